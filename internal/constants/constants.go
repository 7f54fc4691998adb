// Package constants holds the numeric knobs of the netlev shuffle
// transport: wire limits, connection retry bounds, and per-engine
// completion-processing caps.
package constants

import "time"

// Connection and credit defaults.
const (
	// WqesPerConn is the default number of receive work requests posted
	// per connection, and therefore the default credit pool size handed
	// to a peer at connect time.
	WqesPerConn = 400

	// FetchReqMaxSize bounds a fetch-request ASCII payload.
	FetchReqMaxSize = 800

	// MOFPathMaxSize bounds the map-output-file path embedded in a fetch
	// request or ack.
	MOFPathMaxSize = 600

	// RdmaMemChunksNum is the default number of paired buffer slots
	// carved out of the registered RDMA memory region.
	RdmaMemChunksNum = 1000

	// SignalInterval is an every-Nth-send signaling interval. No code
	// consults it: every SEND the engines post is marked signaled.
	SignalInterval = 64

	// DefaultRDMABufSize is the per-chunk payload size used when the
	// host control channel does not override it via INIT.
	DefaultRDMABufSize = 1 << 20

	// AIOAlignment is the alignment padding added on each side of a
	// chunk, mirroring the original allocator's 2*AIO_ALIGNMENT slack.
	AIOAlignment = 512
)

// Timing constants for connection lifecycle.
//
// rdma_resolve_addr/rdma_resolve_route are bounded by CMTimeout; the wait
// for ESTABLISHED after rdma_connect is bounded only by the caller's
// context. A client that exhausts ReconnectTries attempts gives up and
// returns an error wrapping the last attempt's failure.
const (
	// CMTimeout is the timeout passed to rdma_resolve_addr and
	// rdma_resolve_route.
	CMTimeout = 5000 * time.Millisecond

	// ReconnectTries bounds the client's connect retry loop.
	ReconnectTries = 5

	// ReconnectBackoff is the sleep between reconnect attempts.
	ReconnectBackoff = 2 * time.Second
)

// Per-wakeup completion processing caps. The server fans out to many
// more peers per wakeup than a single client connection does, so its
// budget is smaller to keep per-wakeup latency bounded.
const (
	// ClientMaxCQEventsPerWake bounds how many completions the client
	// engine drains from a single completion-queue wakeup before
	// yielding back to the poll loop.
	ClientMaxCQEventsPerWake = 1000

	// ServerMaxCQEventsPerWake is the server-side equivalent.
	ServerMaxCQEventsPerWake = 200
)
