package rdmashuffle

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing. Used by
// RecordChunkRelease.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a netlev
// client or server engine.
type Metrics struct {
	BytesSent atomic.Uint64
	BytesRecv atomic.Uint64

	ChunksReleased atomic.Uint64
	FetchesIssued  atomic.Uint64
	FetchesFailed  atomic.Uint64

	CreditOverflows    atomic.Uint64
	ConnectionsBad      atomic.Uint64
	BacklogDepthTotal   atomic.Uint64
	BacklogDepthCount   atomic.Uint64
	MaxBacklogDepth     atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordBytesSent(n uint64)     { m.BytesSent.Add(n) }
func (m *Metrics) RecordBytesRecv(n uint64)     { m.BytesRecv.Add(n) }
func (m *Metrics) RecordCreditOverflow()        { m.CreditOverflows.Add(1) }
func (m *Metrics) RecordConnectionBad()         { m.ConnectionsBad.Add(1) }
func (m *Metrics) RecordFetchIssued()           { m.FetchesIssued.Add(1) }
func (m *Metrics) RecordFetchFailed()           { m.FetchesFailed.Add(1) }

// RecordChunkRelease records the completion of an RDMA_WRITE+ack cycle
// and its latency. MetricsObserver.ObserveChunkReleased forwards to it;
// neither the client nor the server engine calls ObserveChunkReleased.
func (m *Metrics) RecordChunkRelease(latencyNs uint64) {
	m.ChunksReleased.Add(1)
	m.recordLatency(latencyNs)
}

// RecordBacklogDepth records a connection's backlog length after a
// drain or enqueue operation.
func (m *Metrics) RecordBacklogDepth(depth int) {
	d := uint64(depth)
	m.BacklogDepthTotal.Add(d)
	m.BacklogDepthCount.Add(1)
	for {
		current := m.MaxBacklogDepth.Load()
		if uint32(depth) <= current {
			break
		}
		if m.MaxBacklogDepth.CompareAndSwap(current, uint32(depth)) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time view of Metrics.
type MetricsSnapshot struct {
	BytesSent         uint64
	BytesRecv         uint64
	ChunksReleased    uint64
	FetchesIssued     uint64
	FetchesFailed     uint64
	CreditOverflows   uint64
	ConnectionsBad    uint64
	AvgBacklogDepth   float64
	MaxBacklogDepth   uint32
	AvgLatencyNs      uint64
	UptimeNs          uint64
	LatencyP50Ns      uint64
	LatencyP99Ns      uint64
	LatencyHistogram  [numLatencyBuckets]uint64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		BytesSent:       m.BytesSent.Load(),
		BytesRecv:       m.BytesRecv.Load(),
		ChunksReleased:  m.ChunksReleased.Load(),
		FetchesIssued:   m.FetchesIssued.Load(),
		FetchesFailed:   m.FetchesFailed.Load(),
		CreditOverflows: m.CreditOverflows.Load(),
		ConnectionsBad:  m.ConnectionsBad.Load(),
		MaxBacklogDepth: m.MaxBacklogDepth.Load(),
	}

	depthTotal := m.BacklogDepthTotal.Load()
	depthCount := m.BacklogDepthCount.Load()
	if depthCount > 0 {
		snap.AvgBacklogDepth = float64(depthTotal) / float64(depthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
	}

	return snap
}

func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

func (m *Metrics) Reset() {
	m.BytesSent.Store(0)
	m.BytesRecv.Store(0)
	m.ChunksReleased.Store(0)
	m.FetchesIssued.Store(0)
	m.FetchesFailed.Store(0)
	m.CreditOverflows.Store(0)
	m.ConnectionsBad.Store(0)
	m.BacklogDepthTotal.Store(0)
	m.BacklogDepthCount.Store(0)
	m.MaxBacklogDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection from the completion
// dispatch loop. Implementations must be thread-safe.
type Observer interface {
	ObserveBytesSent(n uint64)
	ObserveBytesRecv(n uint64)
	ObserveCredits(connID uint64, credits int)
	ObserveBacklogDepth(connID uint64, depth int)
	ObserveChunkReleased(latencyNs uint64)
	ObserveConnectionBad(connID uint64)
}

// NoOpObserver is a no-op Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveBytesSent(uint64)          {}
func (NoOpObserver) ObserveBytesRecv(uint64)          {}
func (NoOpObserver) ObserveCredits(uint64, int)       {}
func (NoOpObserver) ObserveBacklogDepth(uint64, int)  {}
func (NoOpObserver) ObserveChunkReleased(uint64)      {}
func (NoOpObserver) ObserveConnectionBad(uint64)      {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveBytesSent(n uint64) { o.metrics.RecordBytesSent(n) }
func (o *MetricsObserver) ObserveBytesRecv(n uint64) { o.metrics.RecordBytesRecv(n) }
func (o *MetricsObserver) ObserveCredits(uint64, int) {}
func (o *MetricsObserver) ObserveBacklogDepth(_ uint64, depth int) {
	o.metrics.RecordBacklogDepth(depth)
}
func (o *MetricsObserver) ObserveChunkReleased(latencyNs uint64) {
	o.metrics.RecordChunkRelease(latencyNs)
}
func (o *MetricsObserver) ObserveConnectionBad(uint64) { o.metrics.RecordConnectionBad() }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
