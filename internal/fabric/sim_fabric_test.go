package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netlev/rdmashuffle/internal/ifaces"
)

func TestSimFabricConnectDeliversPrivateDataBothWays(t *testing.T) {
	sf := NewSimFabric()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gotPriv []byte
	go sf.Listen(ctx, "host:1", func(req ifaces.ConnRequest) {
		gotPriv = req.PeerPriv
		_, err := req.Accept(func(ifaces.QueuePair) []byte { return []byte("server-hello") })
		require.NoError(t, err)
	}, nil)
	time.Sleep(10 * time.Millisecond)

	qp, respPriv, err := sf.Connect(ctx, "host:1", func(ifaces.QueuePair) []byte { return []byte("client-hello") })
	require.NoError(t, err)
	defer qp.Close()

	require.Equal(t, "server-hello", string(respPriv))
	require.Equal(t, "client-hello", string(gotPriv))
}

func TestSimFabricConnectNoListenerErrors(t *testing.T) {
	sf := NewSimFabric()
	ctx := context.Background()
	_, _, err := sf.Connect(ctx, "nowhere:1", nil)
	require.Error(t, err)
}

func TestSimFabricConnectRejected(t *testing.T) {
	sf := NewSimFabric()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sf.Listen(ctx, "host:1", func(req ifaces.ConnRequest) {
		require.NoError(t, req.Reject())
	}, nil)
	time.Sleep(10 * time.Millisecond)

	_, _, err := sf.Connect(ctx, "host:1", nil)
	require.Error(t, err)
}

func TestSimFabricListenDeliversDisconnect(t *testing.T) {
	sf := NewSimFabric()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disconnected := make(chan struct{}, 1)
	go sf.Listen(ctx, "host:1", func(req ifaces.ConnRequest) {
		_, err := req.Accept(nil)
		require.NoError(t, err)
	}, func(ifaces.QueuePair) {
		disconnected <- struct{}{}
	})
	time.Sleep(10 * time.Millisecond)

	clientQP, _, err := sf.Connect(ctx, "host:1", nil)
	require.NoError(t, err)

	require.NoError(t, clientQP.Close())
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("onDisconnect was never delivered")
	}
}

func TestSimFabricConnectedPairExchangesData(t *testing.T) {
	sf := NewSimFabric()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var serverQP ifaces.QueuePair
	go sf.Listen(ctx, "host:1", func(req ifaces.ConnRequest) {
		qp, err := req.Accept(nil)
		require.NoError(t, err)
		serverQP = qp
	}, nil)
	time.Sleep(10 * time.Millisecond)

	clientQP, _, err := sf.Connect(ctx, "host:1", nil)
	require.NoError(t, err)
	defer clientQP.Close()

	recvBuf := make([]byte, 32)
	require.NoError(t, serverQP.PostRecv(ifaces.WorkRequest{Buf: recvBuf}))
	require.NoError(t, clientQP.PostSend(ifaces.WorkRequest{Buf: []byte("ping"), Signaled: true}))

	completions, err := serverQP.Poll(4)
	require.NoError(t, err)
	require.Len(t, completions, 1)
	require.Equal(t, "ping", string(recvBuf[:4]))
}
