// Package merge implements the consumer side of a completed fetch: the
// capability-forwarding chain that hands a landed RDMA_WRITE payload
// off to whatever actually merges map outputs, grounded on
// RDMAClient.cc's comp_fetch_req ("if parent==this, notify the merge
// manager directly; otherwise forward to parent").
package merge

import (
	"fmt"
	"sync"

	"github.com/netlev/rdmashuffle/internal/ifaces"
)

// Forwarder relays a delivered fetch result to a parent consumer
// unchanged. It exists so a client engine embedded inside a larger
// pipeline (e.g. one doing decompression before merge) can chain
// consumers without the fetch-completion path caring which case it is.
type Forwarder struct {
	parent ifaces.MergeConsumer
}

// NewForwarder wraps parent; a nil parent makes Deliver a no-op, which
// is only useful in tests exercising the fetch path in isolation.
func NewForwarder(parent ifaces.MergeConsumer) *Forwarder {
	return &Forwarder{parent: parent}
}

func (f *Forwarder) Deliver(res ifaces.FetchResult) error {
	if f.parent == nil {
		return nil
	}
	return f.parent.Deliver(res)
}

var _ ifaces.MergeConsumer = (*Forwarder)(nil)

// taskKey identifies one reduce task's fetch stream.
type taskKey struct {
	JobID    string
	ReduceID string
}

// Manager is the terminal MergeConsumer: it collects completed fetches
// per reduce task and makes them available in delivery order to
// whatever merges them into the reduce input, without imposing a sort
// or combine policy of its own.
type Manager struct {
	mu      sync.Mutex
	ready   map[taskKey][]ifaces.FetchResult
	waiters map[taskKey]chan struct{}
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{
		ready:   make(map[taskKey][]ifaces.FetchResult),
		waiters: make(map[taskKey]chan struct{}),
	}
}

// Deliver records a completed fetch for its task, to be returned by the
// next Drain. Drain does not block, and nothing in this package adds an
// entry to waiters.
func (m *Manager) Deliver(res ifaces.FetchResult) error {
	if res.JobID == "" || res.ReduceID == "" {
		return fmt.Errorf("merge: fetch result missing job/reduce identity")
	}
	key := taskKey{JobID: res.JobID, ReduceID: res.ReduceID}

	m.mu.Lock()
	m.ready[key] = append(m.ready[key], res)
	if ch, ok := m.waiters[key]; ok {
		close(ch)
		delete(m.waiters, key)
	}
	m.mu.Unlock()
	return nil
}

// Drain returns every fetch result delivered so far for (jobID,
// reduceID) and clears them from the manager's buffer.
func (m *Manager) Drain(jobID, reduceID string) []ifaces.FetchResult {
	key := taskKey{JobID: jobID, ReduceID: reduceID}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.ready[key]
	delete(m.ready, key)
	return out
}

// Pending reports how many undrained results are buffered for a task,
// for tests and metrics.
func (m *Manager) Pending(jobID, reduceID string) int {
	key := taskKey{JobID: jobID, ReduceID: reduceID}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready[key])
}

var _ ifaces.MergeConsumer = (*Manager)(nil)
