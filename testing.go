package rdmashuffle

import (
	"context"
	"sync"

	"github.com/netlev/rdmashuffle/internal/ifaces"
)

// MockMOFStore provides an in-memory MOFStore for tests, tracking call
// counts for verification. Every Acquire'd chunk must be released
// exactly once; ReleaseCount mismatching AcquireCount flags a leak.
type MockMOFStore struct {
	mu            sync.Mutex
	files         map[string][]byte
	acquireCalls  int
	releaseCalls  int
	lastReleased  []ifaces.Chunk
}

// NewMockMOFStore creates a mock store seeded with the given path -> data map.
func NewMockMOFStore(files map[string][]byte) *MockMOFStore {
	cp := make(map[string][]byte, len(files))
	for k, v := range files {
		cp[k] = v
	}
	return &MockMOFStore{files: cp}
}

func (m *MockMOFStore) Acquire(_ context.Context, path string, offset, length int64) (ifaces.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireCalls++

	data, ok := m.files[path]
	if !ok {
		return ifaces.Chunk{}, NewError("acquire", ErrCodeInvalidParams, "unknown mof path: "+path)
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return ifaces.Chunk{Data: out, Path: path, Index: offset}, nil
}

func (m *MockMOFStore) Release(c ifaces.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	m.lastReleased = append(m.lastReleased, c)
}

// CallCounts returns acquire/release call counts for leak verification.
func (m *MockMOFStore) CallCounts() (acquire, release int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireCalls, m.releaseCalls
}

// MockMergeConsumer records delivered fetch results for test assertions.
type MockMergeConsumer struct {
	mu        sync.Mutex
	delivered []ifaces.FetchResult
	failNext  bool
}

func NewMockMergeConsumer() *MockMergeConsumer {
	return &MockMergeConsumer{}
}

func (m *MockMergeConsumer) Deliver(req ifaces.FetchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return NewError("deliver", ErrCodeInvalidParams, "forced test failure")
	}
	m.delivered = append(m.delivered, req)
	return nil
}

// FailNextDelivery makes the next Deliver call return an error, for
// exercising the client engine's delivery-failure path.
func (m *MockMergeConsumer) FailNextDelivery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}

// Delivered returns a copy of all fetch results delivered so far.
func (m *MockMergeConsumer) Delivered() []ifaces.FetchResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ifaces.FetchResult, len(m.delivered))
	copy(out, m.delivered)
	return out
}

var (
	_ ifaces.MOFStore       = (*MockMOFStore)(nil)
	_ ifaces.MergeConsumer  = (*MockMergeConsumer)(nil)
)
