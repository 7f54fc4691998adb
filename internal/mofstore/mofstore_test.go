package mofstore

import (
	"context"
	"testing"
)

func TestAcquireReadsRange(t *testing.T) {
	s := NewMemStore()
	s.Seed("/data/job_1/map_0.out", []byte("0123456789abcdef"))

	c, err := s.Acquire(context.Background(), "/data/job_1/map_0.out", 4, 6)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if string(c.Data) != "456789" {
		t.Errorf("Data = %q, want %q", c.Data, "456789")
	}
	if c.Index != 4 {
		t.Errorf("Index = %d, want 4", c.Index)
	}
}

func TestAcquireUnknownFile(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Acquire(context.Background(), "/missing", 0, 4); err == nil {
		t.Fatal("expected error for unknown file")
	}
}

func TestAcquireOffsetOutOfRange(t *testing.T) {
	s := NewMemStore()
	s.Seed("/f", []byte("abc"))
	if _, err := s.Acquire(context.Background(), "/f", 10, 4); err == nil {
		t.Fatal("expected error for out-of-range offset")
	}
}

func TestAcquireClampsToFileEnd(t *testing.T) {
	s := NewMemStore()
	s.Seed("/f", []byte("abcdef"))
	c, err := s.Acquire(context.Background(), "/f", 4, 100)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if string(c.Data) != "ef" {
		t.Errorf("Data = %q, want %q", c.Data, "ef")
	}
}

func TestReleaseTracksCounts(t *testing.T) {
	s := NewMemStore()
	s.Seed("/f", []byte("abcdef"))
	c, _ := s.Acquire(context.Background(), "/f", 0, 3)
	s.Release(c)

	acquires, releases := s.Counts()
	if acquires != 1 || releases != 1 {
		t.Errorf("Counts = (%d, %d), want (1, 1)", acquires, releases)
	}
}

func TestAcquireSpansMultipleShards(t *testing.T) {
	s := NewMemStore()
	big := make([]byte, shardSize*3)
	for i := range big {
		big[i] = byte(i)
	}
	s.Seed("/big", big)

	c, err := s.Acquire(context.Background(), "/big", shardSize-10, 40)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(c.Data) != 40 {
		t.Fatalf("len(Data) = %d, want 40", len(c.Data))
	}
	for i, b := range c.Data {
		want := byte((shardSize - 10 + i) % 256)
		if b != want {
			t.Fatalf("Data[%d] = %d, want %d", i, b, want)
		}
	}
}
