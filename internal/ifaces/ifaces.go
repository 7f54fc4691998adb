// Package ifaces provides internal interface definitions for the netlev
// shuffle transport. These are separate from the public interfaces to
// avoid circular imports between the root package and the engine
// packages that depend on them.
package ifaces

import "context"

// Fabric abstracts the RDMA primitives a connection needs: posting
// work requests and polling completions. It is implemented once for
// real hardware (cgo binding to libibverbs/rdma_cm) and once for
// hardware-free tests (a paired in-process simulation).
type Fabric interface {
	// Connect resolves addr over the connection manager and returns an
	// established QP-backed connection. It makes a single attempt;
	// retrying (up to ReconnectTries) is the client engine's job.
	// buildPriv is called once the local queue pair exists (created but
	// not yet connected), so it can register local memory and embed the
	// resulting rkey in the private data it returns, rather than having
	// to know the rkey before any queue pair exists. The returned []byte
	// is the peer's private data carried on the ESTABLISHED event (its
	// side of the connreq_data exchange), or nil if the peer sent none.
	Connect(ctx context.Context, addr string, buildPriv func(qp QueuePair) []byte) (QueuePair, []byte, error)

	// Listen begins accepting incoming connection requests on addr,
	// invoking accept for each one with the peer's private data.
	// onDisconnect, if non-nil, is invoked with a previously accepted
	// queue pair when its peer disconnects (CM DISCONNECTED), per
	// spec §4.3's server-side disposition: mark the connection BAD and
	// either delete it or defer deletion depending on outstanding work.
	Listen(ctx context.Context, addr string, accept func(req ConnRequest), onDisconnect func(qp QueuePair)) error

	// Close tears down the fabric's listener and device resources.
	Close() error
}

// ConnRequest is a pending inbound connection handed to a Listen
// callback; the callback must call Accept or Reject exactly once.
type ConnRequest struct {
	PeerPriv []byte
	// Accept completes the handshake: buildPriv is called once the
	// server-side queue pair exists (created but not yet accepted), the
	// same way Connect's does, so memory can be registered and its rkey
	// embedded in the response private data before it is sent.
	Accept func(buildPriv func(qp QueuePair) []byte) (QueuePair, error)
	Reject func() error
}

// QueuePair abstracts one RDMA queue pair: posting sends/writes/receives
// and draining its completion queue.
type QueuePair interface {
	PostSend(wr WorkRequest) error
	PostRecv(wr WorkRequest) error
	PostRDMAWrite(wr WorkRequest) error
	Poll(max int) ([]Completion, error)
	// PollFD returns a file descriptor that becomes readable when the
	// completion queue has events, for registration with an event loop.
	PollFD() int
	// RegisterMemory pins buf for local access and RDMA_WRITE targeting,
	// returning the (addr, rkey) pair a peer needs to address it.
	RegisterMemory(buf []byte) (addr uint64, rkey uint32)
	LocalAddr() string
	RemoteAddr() string
	Close() error
}

// WorkRequest describes one posted work request. Buf carries the local
// memory to send/write/receive into; RemoteAddr/RKey address the
// peer's registered memory for RDMA_WRITE.
type WorkRequest struct {
	ID         uint64
	Op         WorkOp
	Buf        []byte
	RemoteAddr uint64
	RKey       uint32
	Signaled   bool
}

// WorkOp identifies the kind of work request/completion.
type WorkOp int

const (
	OpSend WorkOp = iota
	OpRecv
	OpRDMAWrite
)

// Completion reports the outcome of a previously posted work request.
type Completion struct {
	WRID   uint64
	Op     WorkOp
	Bytes  uint32
	Status CompletionStatus
}

// CompletionStatus classifies a completion outcome.
type CompletionStatus int

const (
	StatusSuccess CompletionStatus = iota
	StatusFlushErr
	StatusOtherErr
)

// Logger is the minimal logging surface engines depend on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer collects transport metrics. Implementations must be
// thread-safe: methods are called from the completion-dispatch loop.
type Observer interface {
	ObserveBytesSent(n uint64)
	ObserveBytesRecv(n uint64)
	ObserveCredits(connID uint64, credits int)
	ObserveBacklogDepth(connID uint64, depth int)
	ObserveChunkReleased(latencyNs uint64)
	ObserveConnectionBad(connID uint64)
}

// MOFStore is the external map-output-file data store the server
// engine draws chunks from. Acquire returns a chunk's data positioned
// at offset within the file named by path; Release returns the chunk
// to the store exactly once regardless of whether the send succeeded.
type MOFStore interface {
	Acquire(ctx context.Context, path string, offset, length int64) (Chunk, error)
	Release(c Chunk)
}

// Chunk is a unit of map-output data handed from a MOFStore to the
// server engine for one RDMA_WRITE, and released back exactly once.
type Chunk struct {
	Data  []byte
	Path  string
	Index int64
}

// MergeConsumer is the external reduce-side collaborator that accepts
// completed fetches. Deliver is called once per completed fetch
// request with the ack metadata and the data landed in local memory.
type MergeConsumer interface {
	Deliver(req FetchResult) error
}

// FetchResult is what the client engine hands to a MergeConsumer once
// a fetch's RDMA_WRITE has landed and its ack has been received.
type FetchResult struct {
	JobID          string
	MapID          string
	ReduceID       string
	RawLength      int64
	PartLength     int64
	Offset         int64
	MOFPath        string
	Data           []byte
}
