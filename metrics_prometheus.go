package rdmashuffle

import "github.com/prometheus/client_golang/prometheus"

// PrometheusCollector adapts a Metrics snapshot to prometheus.Collector,
// in the same const-metric-per-Collect shape as an RDMA stats exporter:
// a handful of Desc values built once, populated from a live snapshot on
// every scrape.
type PrometheusCollector struct {
	metrics *Metrics

	bytesSentDesc       *prometheus.Desc
	bytesRecvDesc       *prometheus.Desc
	chunksReleasedDesc  *prometheus.Desc
	fetchesIssuedDesc   *prometheus.Desc
	fetchesFailedDesc   *prometheus.Desc
	creditOverflowsDesc *prometheus.Desc
	connectionsBadDesc  *prometheus.Desc
	backlogDepthDesc    *prometheus.Desc
	chunkLatencyP50Desc *prometheus.Desc
	chunkLatencyP99Desc *prometheus.Desc
}

// NewPrometheusCollector builds a Collector reading from m. The caller
// registers it with a prometheus.Registry.
func NewPrometheusCollector(m *Metrics) *PrometheusCollector {
	const ns = "netlev_shuffle"
	return &PrometheusCollector{
		metrics: m,
		bytesSentDesc: prometheus.NewDesc(
			ns+"_bytes_sent_total", "Total bytes sent over RDMA.", nil, nil),
		bytesRecvDesc: prometheus.NewDesc(
			ns+"_bytes_recv_total", "Total bytes received over RDMA.", nil, nil),
		chunksReleasedDesc: prometheus.NewDesc(
			ns+"_chunks_released_total", "Total MOF chunks released back to the store.", nil, nil),
		fetchesIssuedDesc: prometheus.NewDesc(
			ns+"_fetches_issued_total", "Total fetch requests issued by the client engine.", nil, nil),
		fetchesFailedDesc: prometheus.NewDesc(
			ns+"_fetches_failed_total", "Total fetch requests that failed.", nil, nil),
		creditOverflowsDesc: prometheus.NewDesc(
			ns+"_credit_overflows_total", "Total credit-clamp events.", nil, nil),
		connectionsBadDesc: prometheus.NewDesc(
			ns+"_connections_bad_total", "Total connections marked bad.", nil, nil),
		backlogDepthDesc: prometheus.NewDesc(
			ns+"_backlog_depth_max", "Maximum observed per-connection backlog depth.", nil, nil),
		chunkLatencyP50Desc: prometheus.NewDesc(
			ns+"_chunk_release_latency_p50_seconds", "Median chunk release latency.", nil, nil),
		chunkLatencyP99Desc: prometheus.NewDesc(
			ns+"_chunk_release_latency_p99_seconds", "p99 chunk release latency.", nil, nil),
	}
}

func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesSentDesc
	ch <- c.bytesRecvDesc
	ch <- c.chunksReleasedDesc
	ch <- c.fetchesIssuedDesc
	ch <- c.fetchesFailedDesc
	ch <- c.creditOverflowsDesc
	ch <- c.connectionsBadDesc
	ch <- c.backlogDepthDesc
	ch <- c.chunkLatencyP50Desc
	ch <- c.chunkLatencyP99Desc
}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.bytesSentDesc, prometheus.CounterValue, float64(snap.BytesSent))
	ch <- prometheus.MustNewConstMetric(c.bytesRecvDesc, prometheus.CounterValue, float64(snap.BytesRecv))
	ch <- prometheus.MustNewConstMetric(c.chunksReleasedDesc, prometheus.CounterValue, float64(snap.ChunksReleased))
	ch <- prometheus.MustNewConstMetric(c.fetchesIssuedDesc, prometheus.CounterValue, float64(snap.FetchesIssued))
	ch <- prometheus.MustNewConstMetric(c.fetchesFailedDesc, prometheus.CounterValue, float64(snap.FetchesFailed))
	ch <- prometheus.MustNewConstMetric(c.creditOverflowsDesc, prometheus.CounterValue, float64(snap.CreditOverflows))
	ch <- prometheus.MustNewConstMetric(c.connectionsBadDesc, prometheus.CounterValue, float64(snap.ConnectionsBad))
	ch <- prometheus.MustNewConstMetric(c.backlogDepthDesc, prometheus.GaugeValue, float64(snap.MaxBacklogDepth))
	ch <- prometheus.MustNewConstMetric(c.chunkLatencyP50Desc, prometheus.GaugeValue, float64(snap.LatencyP50Ns)/1e9)
	ch <- prometheus.MustNewConstMetric(c.chunkLatencyP99Desc, prometheus.GaugeValue, float64(snap.LatencyP99Ns)/1e9)
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
