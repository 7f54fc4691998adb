package rdmashuffle

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.FetchesIssued != 0 {
		t.Errorf("Expected 0 initial fetches, got %d", snap.FetchesIssued)
	}

	m.RecordBytesSent(4096)
	m.RecordBytesRecv(4096)
	m.RecordFetchIssued()
	m.RecordFetchIssued()
	m.RecordFetchFailed()

	snap = m.Snapshot()
	if snap.BytesSent != 4096 {
		t.Errorf("Expected 4096 bytes sent, got %d", snap.BytesSent)
	}
	if snap.FetchesIssued != 2 {
		t.Errorf("Expected 2 fetches issued, got %d", snap.FetchesIssued)
	}
	if snap.FetchesFailed != 1 {
		t.Errorf("Expected 1 fetch failed, got %d", snap.FetchesFailed)
	}
}

func TestMetricsBacklogDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordBacklogDepth(10)
	m.RecordBacklogDepth(20)
	m.RecordBacklogDepth(15)

	snap := m.Snapshot()
	if snap.MaxBacklogDepth != 20 {
		t.Errorf("Expected max backlog depth 20, got %d", snap.MaxBacklogDepth)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgBacklogDepth < expectedAvg-0.1 || snap.AvgBacklogDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg backlog depth %.1f, got %.1f", expectedAvg, snap.AvgBacklogDepth)
	}
}

func TestMetricsChunkReleaseLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordChunkRelease(1_000_000)
	m.RecordChunkRelease(2_000_000)

	snap := m.Snapshot()
	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
	if snap.ChunksReleased != 2 {
		t.Errorf("Expected 2 chunks released, got %d", snap.ChunksReleased)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordBytesSent(1024)
	m.RecordFetchIssued()
	m.RecordBacklogDepth(10)

	snap := m.Snapshot()
	if snap.FetchesIssued == 0 {
		t.Error("Expected some fetches before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.FetchesIssued != 0 {
		t.Errorf("Expected 0 fetches after reset, got %d", snap.FetchesIssued)
	}
	if snap.MaxBacklogDepth != 0 {
		t.Errorf("Expected 0 max backlog depth after reset, got %d", snap.MaxBacklogDepth)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveBytesSent(1024)
	observer.ObserveBytesRecv(1024)
	observer.ObserveCredits(1, 399)
	observer.ObserveBacklogDepth(1, 3)
	observer.ObserveChunkReleased(1_000_000)
	observer.ObserveConnectionBad(1)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveBytesSent(1024)
	metricsObserver.ObserveBytesRecv(2048)
	metricsObserver.ObserveConnectionBad(1)

	snap := m.Snapshot()
	if snap.BytesSent != 1024 {
		t.Errorf("Expected 1024 bytes sent from observer, got %d", snap.BytesSent)
	}
	if snap.BytesRecv != 2048 {
		t.Errorf("Expected 2048 bytes recv from observer, got %d", snap.BytesRecv)
	}
	if snap.ConnectionsBad != 1 {
		t.Errorf("Expected 1 bad connection from observer, got %d", snap.ConnectionsBad)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordChunkRelease(500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordChunkRelease(5_000_000) // 5ms
	}
	m.RecordChunkRelease(50_000_000) // 50ms, P99

	snap := m.Snapshot()
	if snap.ChunksReleased != 100 {
		t.Errorf("Expected 100 chunks released, got %d", snap.ChunksReleased)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
