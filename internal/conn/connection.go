// Package conn implements the netlev Connection (C3) and its credit
// protocol (C4): one reliable queue pair, peer credit bookkeeping, and
// an outbound backlog drained FIFO as credits free up.
package conn

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/netlev/rdmashuffle/internal/constants"
	"github.com/netlev/rdmashuffle/internal/ifaces"
	"github.com/netlev/rdmashuffle/internal/wire"
)

// State is a connection's lifecycle state. Transitions are monotonic
// except BAD, which is terminal for send acceptance; receive
// completions may still arrive until CLOSED.
type State int

const (
	StateConnecting State = iota
	StateRTR
	StateEstablished
	StateBad
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateRTR:
		return "RTR"
	case StateEstablished:
		return "ESTABLISHED"
	case StateBad:
		return "BAD"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// PeerInfo is exchanged at connect time via the CM private data,
// mirroring the original's struct connreq_data{qp, credits, rdma_mem_rkey}
// sent both ways: the client attaches its buffer's rkey to rdma_connect,
// the server attaches its own to rdma_accept.
type PeerInfo struct {
	Credits uint32
	RKey    uint32
	QPNum   uint32
}

// peerInfoWireSize is the encoded length of PeerInfo: three uint32
// fields, little-endian, matching the fixed-size C struct it mirrors.
const peerInfoWireSize = 12

// EncodePeerInfo renders p as CM private data.
func EncodePeerInfo(p PeerInfo) []byte {
	b := make([]byte, peerInfoWireSize)
	binary.LittleEndian.PutUint32(b[0:4], p.Credits)
	binary.LittleEndian.PutUint32(b[4:8], p.RKey)
	binary.LittleEndian.PutUint32(b[8:12], p.QPNum)
	return b
}

// DecodePeerInfo parses CM private data produced by EncodePeerInfo.
func DecodePeerInfo(b []byte) (PeerInfo, error) {
	if len(b) < peerInfoWireSize {
		return PeerInfo{}, fmt.Errorf("conn: private data is %d bytes, want at least %d", len(b), peerInfoWireSize)
	}
	return PeerInfo{
		Credits: binary.LittleEndian.Uint32(b[0:4]),
		RKey:    binary.LittleEndian.Uint32(b[4:8]),
		QPNum:   binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// BacklogKind distinguishes a deferred RTS send, a deferred NOOP, and a
// deferred server ack (which applies the at-most-1-credit rule on drain
// rather than flushing all of returning).
type BacklogKind int

const (
	BacklogRTS BacklogKind = iota
	BacklogNOOP
	BacklogAck
)

// BacklogEntry is one deferred outbound message, owned by its
// connection and freed after a successful post.
type BacklogEntry struct {
	Kind              BacklogKind
	Payload           []byte
	SrcReqHandle      uint64
	CompletionContext uint64
	EnqueuedAt        time.Time
}

// Connection owns one reliable queue pair and the credit state that
// governs when a send may be posted immediately versus deferred.
type Connection struct {
	ID       uint64
	QP       ifaces.QueuePair
	PeerInfo PeerInfo
	PeerIP   string

	log      ifaces.Logger
	observer ifaces.Observer

	mu              sync.Mutex
	credits         uint32
	returning       uint32
	sentCounter     uint64
	receivedCounter uint64
	backlog         []BacklogEntry
	state           State
	postedRecvs     int

	// enableNOOP controls whether this side sends unsolicited NOOPs
	// when accumulated returning credit crosses half the peer's grant.
	// Enabled on both client and server (resolved Open Question (a)).
	enableNOOP bool
}

// Config configures a new Connection.
type Config struct {
	ID         uint64
	QP         ifaces.QueuePair
	PeerInfo   PeerInfo
	PeerIP     string
	Logger     ifaces.Logger
	Observer   ifaces.Observer
	EnableNOOP bool
}

// New builds a Connection in CONNECTING state with the initial credit
// grant copied from PeerInfo.Credits, per the CM handshake contract.
func New(cfg Config) *Connection {
	enableNOOP := cfg.EnableNOOP
	return &Connection{
		ID:         cfg.ID,
		QP:         cfg.QP,
		PeerInfo:   cfg.PeerInfo,
		PeerIP:     cfg.PeerIP,
		log:        cfg.Logger,
		observer:   cfg.Observer,
		credits:    cfg.PeerInfo.Credits,
		returning:  0,
		state:      StateConnecting,
		enableNOOP: enableNOOP,
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) Credits() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credits
}

func (c *Connection) BacklogLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backlog)
}

// MarkBad transitions the connection to BAD, which rejects all further
// sends. It is idempotent.
func (c *Connection) MarkBad() {
	c.mu.Lock()
	wasBad := c.state == StateBad
	c.state = StateBad
	c.mu.Unlock()
	if !wasBad && c.observer != nil {
		c.observer.ObserveConnectionBad(c.ID)
	}
}

// Post sends msgType/payload/srcReq now if credits allow, otherwise
// defers it to the backlog for the receive-completion drain loop to
// flush later. It never does both (spec §3 Connection invariant).
func (c *Connection) Post(msgType wire.MsgType, payload []byte, srcReq uint64, wrID uint64, signaled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.postOrBacklogLocked(msgType, payload, srcReq, wrID, signaled)
}

// postOrBacklogLocked implements netlev_post_send's credit-check-or-backlog
// rule: post now if a credit is available, otherwise defer to the backlog
// FIFO for the receive-completion drain loop to flush. Every send this
// connection issues, solicited (Post) or unsolicited (the proactive NOOP
// below), goes through this single path so a send can never be posted
// without consuming a credit or backlogging. Caller must hold c.mu.
func (c *Connection) postOrBacklogLocked(msgType wire.MsgType, payload []byte, srcReq uint64, wrID uint64, signaled bool) error {
	if c.state == StateBad || c.state == StateClosed {
		return fmt.Errorf("conn %d: post on %s connection", c.ID, c.state)
	}

	if c.credits > 0 {
		c.credits--
		credits := c.returning
		c.returning = 0
		return c.sendLocked(msgType, payload, srcReq, wrID, signaled, credits)
	}

	c.backlog = append(c.backlog, BacklogEntry{
		Kind:              kindFor(msgType),
		Payload:           payload,
		SrcReqHandle:      srcReq,
		CompletionContext: wrID,
		EnqueuedAt:        time.Now(),
	})
	if c.observer != nil {
		c.observer.ObserveBacklogDepth(c.ID, len(c.backlog))
	}
	return nil
}

// PostAck sends a server fetch-ack SEND (spec §4.7 step 4). Unlike Post,
// which piggybacks the entire accumulated returning count, an ack
// advertises at most 1 credit back to the peer, decrementing returning
// by exactly 1 (or leaving it at 0 if already empty) and leaving any
// remainder outstanding for a later ack or NOOP to flush. Grounded on
// RDMAServer.cc:585-590's rdma_write_mof_send_ack.
func (c *Connection) PostAck(payload []byte, srcReq uint64, wrID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateBad || c.state == StateClosed {
		return fmt.Errorf("conn %d: post on %s connection", c.ID, c.state)
	}

	if c.credits > 0 {
		c.credits--
		return c.sendLocked(wire.MsgRTS, payload, srcReq, wrID, true, c.takeAckCreditLocked())
	}

	c.backlog = append(c.backlog, BacklogEntry{
		Kind:              BacklogAck,
		Payload:           payload,
		SrcReqHandle:      srcReq,
		CompletionContext: wrID,
		EnqueuedAt:        time.Now(),
	})
	if c.observer != nil {
		c.observer.ObserveBacklogDepth(c.ID, len(c.backlog))
	}
	return nil
}

// takeAckCreditLocked returns at most 1 and decrements returning by the
// same amount, per the ack-specific credit rule (spec §4.7 step 4).
// Caller must hold c.mu.
func (c *Connection) takeAckCreditLocked() uint32 {
	if c.returning == 0 {
		return 0
	}
	c.returning--
	return 1
}

func kindFor(t wire.MsgType) BacklogKind {
	if t == wire.MsgNOOP {
		return BacklogNOOP
	}
	return BacklogRTS
}

// sendLocked marshals the header+payload and posts a SEND. Caller must
// hold c.mu.
func (c *Connection) sendLocked(msgType wire.MsgType, payload []byte, srcReq uint64, wrID uint64, signaled bool, credits uint32) error {
	h := wire.Header{Credits: uint8(credits), Type: msgType, TotLen: uint16(len(payload)), SrcReq: srcReq}
	buf := make([]byte, wire.HeaderSize()+len(payload))
	if err := h.Marshal(buf); err != nil {
		return err
	}
	copy(buf[wire.HeaderSize():], payload)

	if err := c.QP.PostSend(ifaces.WorkRequest{ID: wrID, Op: ifaces.OpSend, Buf: buf, Signaled: signaled}); err != nil {
		return err
	}
	c.sentCounter++
	if c.observer != nil {
		c.observer.ObserveBytesSent(uint64(len(buf)))
	}
	return nil
}

// OnRecvCompletion implements the receive-completion side of the
// credit protocol (spec §4.4): increment and clamp credits from the
// peer's piggybacked field, drain the backlog FIFO while credits
// remain, bump returning unless the message was a NOOP, and fire an
// unsolicited NOOP once returning crosses half the peer's grant.
func (c *Connection) OnRecvCompletion(h wire.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.receivedCounter++

	newCredits := uint32(c.credits) + uint32(h.Credits)
	max := uint32(constants.WqesPerConn - 1)
	if newCredits > max {
		if c.log != nil {
			c.log.Error("credit overflow, clamping", "conn_id", c.ID, "got", newCredits, "max", max)
		}
		newCredits = max
	}
	c.credits = newCredits

	for len(c.backlog) > 0 && c.credits > 0 {
		entry := c.backlog[0]
		c.backlog = c.backlog[1:]
		c.credits--

		var credits uint32
		msgType := wire.MsgRTS
		switch entry.Kind {
		case BacklogNOOP:
			msgType = wire.MsgNOOP
			credits = c.returning
			c.returning = 0
		case BacklogAck:
			credits = c.takeAckCreditLocked()
		default:
			credits = c.returning
			c.returning = 0
		}
		if err := c.sendLocked(msgType, entry.Payload, entry.SrcReqHandle, entry.CompletionContext, true, credits); err != nil && c.log != nil {
			c.log.Error("backlog drain post failed", "conn_id", c.ID, "err", err.Error())
		}
	}
	if c.observer != nil {
		c.observer.ObserveBacklogDepth(c.ID, len(c.backlog))
	}

	if h.Type != wire.MsgNOOP {
		c.returning++
	}

	if c.enableNOOP && c.PeerInfo.Credits > 0 && c.returning >= c.PeerInfo.Credits/2 && !c.hasBacklogNOOPLocked() {
		if err := c.postOrBacklogLocked(wire.MsgNOOP, nil, 0, 0, true); err != nil && c.log != nil {
			c.log.Error("unsolicited NOOP post failed", "conn_id", c.ID, "err", err.Error())
		}
	}
}

// hasBacklogNOOPLocked reports whether a proactive NOOP is already
// sitting in the backlog, so OnRecvCompletion doesn't keep queueing a
// new one on every subsequent receive while credits stay at zero and
// returning stays above the threshold. Caller must hold c.mu.
func (c *Connection) hasBacklogNOOPLocked() bool {
	for _, e := range c.backlog {
		if e.Kind == BacklogNOOP {
			return true
		}
	}
	return false
}

// Counters returns sent/received message counts, for tests and metrics.
func (c *Connection) Counters() (sent, received uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentCounter, c.receivedCounter
}

// IncPostedRecvs/DecPostedRecvs track how many receive work entries are
// currently posted, bounded at WqesPerConn (spec §3 invariant).
func (c *Connection) IncPostedRecvs() {
	c.mu.Lock()
	c.postedRecvs++
	c.mu.Unlock()
}

func (c *Connection) DecPostedRecvs() {
	c.mu.Lock()
	if c.postedRecvs > 0 {
		c.postedRecvs--
	}
	c.mu.Unlock()
}

func (c *Connection) PostedRecvs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.postedRecvs
}
