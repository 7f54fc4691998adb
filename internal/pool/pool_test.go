package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewPoolLayout(t *testing.T) {
	p, err := New(4, 1024, 256)
	require.NoError(t, err)
	require.Equal(t, 4, p.NumPairs())
	require.Equal(t, 4, p.NumFree())

	pd := p.pairs[0]
	require.Len(t, pd.Primary.Buf, 1024)
	require.Len(t, pd.Secondary.Buf, 256)
}

func TestGetPutCycle(t *testing.T) {
	p, err := New(2, 64, 64)
	require.NoError(t, err)

	pd, err := p.Get()
	require.NoError(t, err)
	require.Equal(t, StatusBusy, pd.Primary.Status)
	require.Equal(t, 1, p.NumFree())

	p.Put(pd)
	require.Equal(t, 2, p.NumFree())
	require.Equal(t, StatusInit, pd.Primary.Status)
}

func TestGetBlocksUntilRelease(t *testing.T) {
	p, err := New(1, 64, 64)
	require.NoError(t, err)

	first, err := p.Get()
	require.NoError(t, err)
	require.Equal(t, 0, p.NumFree())

	var wg sync.WaitGroup
	wg.Add(1)
	gotCh := make(chan *PairDesc, 1)
	go func() {
		defer wg.Done()
		pd, err := p.Get()
		require.NoError(t, err)
		gotCh <- pd
	}()

	select {
	case <-gotCh:
		t.Fatal("Get returned before a pair was released")
	case <-time.After(50 * time.Millisecond):
	}

	p.Put(first)
	wg.Wait()
	require.NotNil(t, <-gotCh)
}

func TestCloseWakesBlockedGet(t *testing.T) {
	p, err := New(1, 64, 64)
	require.NoError(t, err)
	_, err = p.Get()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Get()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Close")
	}
}

func TestFreeBytesCyclicSlot(t *testing.T) {
	p, err := New(1, 100, 100)
	require.NoError(t, err)
	pd, err := p.Get()
	require.NoError(t, err)

	pd.Primary.mu.Lock()
	pd.Primary.Start = 10
	pd.Primary.End = 40
	pd.Primary.mu.Unlock()
	require.EqualValues(t, 70, pd.Primary.FreeBytes())

	// Wrapped case: End < Start.
	pd.Primary.mu.Lock()
	pd.Primary.Start = 80
	pd.Primary.End = 20
	pd.Primary.mu.Unlock()
	require.EqualValues(t, 60, pd.Primary.FreeBytes())
}

func TestInvalidConstruction(t *testing.T) {
	_, err := New(0, 64, 64)
	require.Error(t, err)
	_, err = New(1, 0, 64)
	require.Error(t, err)
}
