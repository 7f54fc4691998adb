package fabric

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/netlev/rdmashuffle/internal/ifaces"
)

// SimQueuePair is a hardware-free, in-process simulation of one side of
// an RDMA queue pair, wired directly to its peer. It mirrors the
// teacher's NewStubRunner/stubLoop: every test in this repository runs
// against a SimQueuePair pair rather than real verbs hardware.
//
// SEND/RECV are modeled by handing the posted buffer straight to the
// peer's posted-receive queue. RDMA_WRITE is modeled by copying into
// the peer's registered memory, looked up by the address RegisterMemory
// returned — there is no real virtual address space to walk, so the
// "address" is only ever meaningful between a SimQueuePair pair.
type SimQueuePair struct {
	name string
	peer *SimQueuePair

	mu          sync.Mutex
	postedRecvs []ifaces.WorkRequest
	memRegions  map[uint64][]byte

	completions chan ifaces.Completion
	notifyR     *os.File
	notifyW     *os.File
	closed      bool

	// disconnectHandler, if set, fires once when this side's peer
	// closes, simulating the CM DISCONNECTED event a real fabric
	// delivers for the still-open side of a torn-down connection.
	disconnectHandler func()
}

// NewSimQueuePairPair builds two connected SimQueuePairs, simulating an
// established connection between a client and a server with no real
// RDMA hardware involved.
func NewSimQueuePairPair(clientName, serverName string) (*SimQueuePair, *SimQueuePair, error) {
	client, err := newSimQueuePair(clientName)
	if err != nil {
		return nil, nil, err
	}
	server, err := newSimQueuePair(serverName)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	client.peer = server
	server.peer = client
	return client, server, nil
}

func newSimQueuePair(name string) (*SimQueuePair, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("fabric: sim pipe: %w", err)
	}
	return &SimQueuePair{
		name:        name,
		memRegions:  make(map[uint64][]byte),
		completions: make(chan ifaces.Completion, 4096),
		notifyR:     r,
		notifyW:     w,
	}, nil
}

// RegisterMemory makes buf reachable by RDMA_WRITE from the peer,
// addressed by the returned handle. RKey is fixed at 1 in the
// simulation; only Addr needs to round-trip through the wire protocol.
func (q *SimQueuePair) RegisterMemory(buf []byte) (addr uint64, rkey uint32) {
	addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	q.mu.Lock()
	q.memRegions[addr] = buf
	q.mu.Unlock()
	return addr, 1
}

func (q *SimQueuePair) PostSend(wr ifaces.WorkRequest) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("fabric: sim qp %s closed", q.name)
	}
	peer := q.peer
	q.mu.Unlock()

	payload := append([]byte(nil), wr.Buf...)
	peer.deliver(payload)

	if wr.Signaled {
		q.complete(ifaces.Completion{WRID: wr.ID, Op: ifaces.OpSend, Bytes: uint32(len(wr.Buf)), Status: ifaces.StatusSuccess})
	}
	return nil
}

func (q *SimQueuePair) PostRecv(wr ifaces.WorkRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("fabric: sim qp %s closed", q.name)
	}
	q.postedRecvs = append(q.postedRecvs, wr)
	return nil
}

// deliver copies an incoming SEND payload into the oldest posted
// receive buffer and raises a RECV completion for it.
func (q *SimQueuePair) deliver(payload []byte) {
	q.mu.Lock()
	if len(q.postedRecvs) == 0 {
		q.mu.Unlock()
		// No receive posted: drop, mirroring a real QP overrun — callers
		// are expected to always keep WqesPerConn receives posted.
		return
	}
	wr := q.postedRecvs[0]
	q.postedRecvs = q.postedRecvs[1:]
	n := copy(wr.Buf, payload)
	q.mu.Unlock()

	q.complete(ifaces.Completion{WRID: wr.ID, Op: ifaces.OpRecv, Bytes: uint32(n), Status: ifaces.StatusSuccess})
}

func (q *SimQueuePair) PostRDMAWrite(wr ifaces.WorkRequest) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("fabric: sim qp %s closed", q.name)
	}
	peer := q.peer
	q.mu.Unlock()

	peer.mu.Lock()
	target, off, ok := peer.findRegionLocked(wr.RemoteAddr, len(wr.Buf))
	peer.mu.Unlock()
	if !ok {
		return fmt.Errorf("fabric: sim qp %s: unknown remote addr %x", q.name, wr.RemoteAddr)
	}
	copy(target[off:], wr.Buf)

	if wr.Signaled {
		q.complete(ifaces.Completion{WRID: wr.ID, Op: ifaces.OpRDMAWrite, Bytes: uint32(len(wr.Buf)), Status: ifaces.StatusSuccess})
	}
	return nil
}

// findRegionLocked returns the registered buffer containing [addr,
// addr+length) and the byte offset of addr within it, supporting a
// single RegisterMemory call covering a whole pool with per-fetch
// addresses computed as offsets into it. Caller must hold q.mu.
func (q *SimQueuePair) findRegionLocked(addr uint64, length int) (buf []byte, offset int, ok bool) {
	for start, region := range q.memRegions {
		if addr < start {
			continue
		}
		off := addr - start
		if off+uint64(length) <= uint64(len(region)) {
			return region, int(off), true
		}
	}
	return nil, 0, false
}

func (q *SimQueuePair) complete(c ifaces.Completion) {
	q.completions <- c
	q.notifyW.Write([]byte{1})
}

func (q *SimQueuePair) Poll(max int) ([]ifaces.Completion, error) {
	var out []ifaces.Completion
	for i := 0; i < max; i++ {
		select {
		case c := <-q.completions:
			out = append(out, c)
			buf := make([]byte, 1)
			q.notifyR.Read(buf)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (q *SimQueuePair) PollFD() int {
	return int(q.notifyR.Fd())
}

func (q *SimQueuePair) LocalAddr() string { return q.name }

func (q *SimQueuePair) RemoteAddr() string {
	if q.peer != nil {
		return q.peer.name
	}
	return ""
}

// SetDisconnectHandler registers fn to run once when this queue pair's
// peer closes. Used by SimFabric to deliver a simulated CM DISCONNECTED
// notification to a Listen caller's onDisconnect.
func (q *SimQueuePair) SetDisconnectHandler(fn func()) {
	q.mu.Lock()
	q.disconnectHandler = fn
	q.mu.Unlock()
}

func (q *SimQueuePair) fireDisconnect() {
	q.mu.Lock()
	fn := q.disconnectHandler
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (q *SimQueuePair) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	peer := q.peer
	q.mu.Unlock()
	q.notifyR.Close()
	q.notifyW.Close()
	if peer != nil {
		peer.fireDisconnect()
	}
	return nil
}

var _ ifaces.QueuePair = (*SimQueuePair)(nil)
