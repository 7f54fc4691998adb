// Package server implements the netlev shuffle server engine (C7): it
// accepts incoming connections, parses fetch requests off the wire,
// stages map output data through a paired buffer pool, and replies
// with a compound RDMA_WRITE + SEND, grounded function-by-function on
// RDMAServer.cc (insert_incoming_req, rdma_write_mof_send_ack,
// server_cm_handler, the completion-queue dispatch switch).
package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/netlev/rdmashuffle/internal/conn"
	"github.com/netlev/rdmashuffle/internal/constants"
	"github.com/netlev/rdmashuffle/internal/ifaces"
	"github.com/netlev/rdmashuffle/internal/pool"
	"github.com/netlev/rdmashuffle/internal/wire"
)

// workKind tags what a posted work request's wrID resolves to in the
// engine's handle table, since the fabric abstraction only carries a
// bare uint64 across the wire, not a Go pointer.
type workKind uint8

const (
	workKindAckSend workKind = iota
	workKindNOOPSend
)

type workEntry struct {
	kind workKind
	pair *pool.PairDesc
	conn *conn.Connection
}

// Engine is the server-side shuffle endpoint: one Fabric listener,
// one Connection per accepted peer, and one shared buffer pool staging
// map output bytes for RDMA_WRITE.
type Engine struct {
	fabric   ifaces.Fabric
	pool     *pool.Pool
	store    ifaces.MOFStore
	log      ifaces.Logger
	obs      ifaces.Observer
	onAccept func(c *conn.Connection)

	nextWR   atomic.Uint64
	nextID   atomic.Uint64
	work     sync.Map // uint64 -> *workEntry
	recvBufs sync.Map // uint64 -> []byte, posted receive buffers awaiting completion
	connsMu  sync.Mutex
	conns    map[uint64]*conn.Connection
	connByQP map[ifaces.QueuePair]*conn.Connection

	rdmaChunkLen int
}

// Config configures a new Engine.
type Config struct {
	Fabric       ifaces.Fabric
	Pool         *pool.Pool
	Store        ifaces.MOFStore
	Logger       ifaces.Logger
	Observer     ifaces.Observer
	RDMAChunkLen int

	// OnAccept, if set, is invoked synchronously right after a new
	// connection's receives are posted, letting a standalone process
	// register the queue pair's completion fd with its own event loop
	// instead of the engine owning one itself.
	OnAccept func(c *conn.Connection)
}

// Conn returns the accepted connection with the given id, if any. It
// exists for tests and for wiring a standalone completion-draining
// loop per accepted peer.
func (e *Engine) Conn(id uint64) (*conn.Connection, bool) {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	c, ok := e.conns[id]
	return c, ok
}

// Conns returns a snapshot of every currently accepted connection, for
// a caller that drives DrainCompletions across all of them in a loop
// rather than tracking individual connection IDs itself.
func (e *Engine) Conns() []*conn.Connection {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	out := make([]*conn.Connection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// New builds a server Engine.
func New(cfg Config) *Engine {
	return &Engine{
		fabric:       cfg.Fabric,
		pool:         cfg.Pool,
		store:        cfg.Store,
		log:          cfg.Logger,
		obs:          cfg.Observer,
		onAccept:     cfg.OnAccept,
		conns:        make(map[uint64]*conn.Connection),
		connByQP:     make(map[ifaces.QueuePair]*conn.Connection),
		rdmaChunkLen: cfg.RDMAChunkLen,
	}
}

// Serve listens on addr until ctx is canceled, accepting every
// incoming connection request unconditionally (no admission control
// beyond what the fabric transport itself enforces).
func (e *Engine) Serve(ctx context.Context, addr string) error {
	return e.fabric.Listen(ctx, addr, func(req ifaces.ConnRequest) {
		e.handleConnRequest(req)
	}, e.handleDisconnect)
}

// handleDisconnect implements spec §4.3's server-side CM DISCONNECTED
// disposition: mark the connection BAD so no further sends are
// accepted, then delete it immediately if it never received a fetch
// request, or leave it in place (deferred deletion) if it has
// outstanding chunks still being released through the completion path.
func (e *Engine) handleDisconnect(qp ifaces.QueuePair) {
	e.connsMu.Lock()
	c, ok := e.connByQP[qp]
	e.connsMu.Unlock()
	if !ok {
		return
	}

	c.MarkBad()

	_, received := c.Counters()
	if received == 0 {
		e.connsMu.Lock()
		delete(e.conns, c.ID)
		delete(e.connByQP, qp)
		e.connsMu.Unlock()
	}
}

func (e *Engine) handleConnRequest(req ifaces.ConnRequest) {
	peerInfo, err := conn.DecodePeerInfo(req.PeerPriv)
	if err != nil {
		if e.log != nil {
			e.log.Error("bad connect private data", "err", err.Error())
		}
		if rejErr := req.Reject(); rejErr != nil && e.log != nil {
			e.log.Error("reject failed", "err", rejErr.Error())
		}
		return
	}

	qp, err := req.Accept(func(qp ifaces.QueuePair) []byte {
		var rkey uint32
		if e.pool != nil {
			e.pool.RegisterWith(qp)
			rkey = e.pool.RKey()
		}
		return conn.EncodePeerInfo(conn.PeerInfo{Credits: constants.WqesPerConn - 1, RKey: rkey})
	})
	if err != nil {
		if e.log != nil {
			e.log.Error("accept failed", "err", err.Error())
		}
		return
	}

	id := e.nextID.Add(1)
	c := conn.New(conn.Config{
		ID:         id,
		QP:         qp,
		PeerInfo:   peerInfo,
		Logger:     e.log,
		Observer:   e.obs,
		EnableNOOP: true,
	})
	c.SetState(conn.StateEstablished)

	e.connsMu.Lock()
	e.conns[id] = c
	e.connByQP[qp] = c
	e.connsMu.Unlock()

	for i := 0; i < constants.WqesPerConn; i++ {
		e.postRecv(c, qp)
	}

	if e.onAccept != nil {
		e.onAccept(c)
	}
}

func (e *Engine) postRecv(c *conn.Connection, qp ifaces.QueuePair) {
	buf := make([]byte, constants.FetchReqMaxSize+wire.HeaderSize())
	wrID := e.nextWR.Add(1)
	if err := qp.PostRecv(ifaces.WorkRequest{ID: wrID, Buf: buf}); err != nil {
		if e.log != nil {
			e.log.Error("PostRecv failed", "conn_id", c.ID, "err", err.Error())
		}
		return
	}
	e.recvBufs.Store(wrID, buf)
	c.IncPostedRecvs()
}

// DrainCompletions polls qp for up to ServerMaxCQEventsPerWake
// completions and dispatches each per the WC opcode/status switch:
// FLUSH errors are swallowed (but the staged buffer pair is still
// returned to the pool), other errors mark the connection BAD, SEND
// completions return the buffer pair that rode along as completion
// context, and RECV completions are
// handed to c for credit-protocol processing and fetch dispatch.
func (e *Engine) DrainCompletions(ctx context.Context, c *conn.Connection, qp ifaces.QueuePair) error {
	completions, err := qp.Poll(constants.ServerMaxCQEventsPerWake)
	if err != nil {
		return err
	}
	for _, wc := range completions {
		switch wc.Status {
		case ifaces.StatusFlushErr:
			e.releaseWork(wc.WRID)
			continue
		case ifaces.StatusOtherErr:
			c.MarkBad()
			e.releaseWork(wc.WRID)
			continue
		}

		switch wc.Op {
		case ifaces.OpSend:
			e.releaseWork(wc.WRID)
		case ifaces.OpRecv:
			e.handleRecv(ctx, c, qp, wc)
		case ifaces.OpRDMAWrite:
			// Posted unsignaled; no completion expected in normal
			// operation (spec §4.3).
		}
	}
	return nil
}

func (e *Engine) releaseWork(wrID uint64) {
	v, ok := e.work.LoadAndDelete(wrID)
	if !ok {
		return
	}
	entry := v.(*workEntry)
	if entry.kind == workKindAckSend && entry.pair != nil && e.pool != nil {
		e.pool.Put(entry.pair)
	}
}

func (e *Engine) handleRecv(ctx context.Context, c *conn.Connection, qp ifaces.QueuePair, wc ifaces.Completion) {
	c.DecPostedRecvs()

	buf, ok := e.recvBufs.LoadAndDelete(wc.WRID)
	e.postRecv(c, qp)
	if !ok {
		if e.log != nil {
			e.log.Error("recv completion with unknown wr_id", "conn_id", c.ID, "wr_id", wc.WRID)
		}
		return
	}

	payload := buf.([]byte)[:wc.Bytes]
	if err := e.HandleRecvPayload(ctx, c, qp, payload); err != nil && e.log != nil {
		e.log.Error("fetch request handling failed", "conn_id", c.ID, "err", err.Error())
	}
}

// HandleRecvPayload processes one delivered RECV payload: it unmarshals
// the header, feeds the credit protocol, and for an RTS message parses
// and dispatches the embedded fetch request. Split out from handleRecv
// so the simulated fabric (which delivers payload bytes directly
// rather than through a side-channel registration) can drive it.
func (e *Engine) HandleRecvPayload(ctx context.Context, c *conn.Connection, qp ifaces.QueuePair, payload []byte) error {
	h, err := wire.UnmarshalHeader(payload)
	if err != nil {
		return err
	}
	c.OnRecvCompletion(h)

	if h.Type != wire.MsgRTS {
		return nil
	}
	body := payload[wire.HeaderSize() : wire.HeaderSize()+int(h.TotLen)]
	freq, err := wire.UnmarshalFetchRequest(body)
	if err != nil {
		return err
	}
	return e.serveFetch(ctx, c, qp, freq)
}

// serveFetch implements rdma_write_mof_send_ack: acquire the requested
// byte range from the MOF store, stage it in a pool buffer pair, issue
// the RDMA_WRITE into the client's registered remote buffer, and post
// the ack (inline if a credit is free, backlogged otherwise). The
// RDMA_WRITE itself is unconditional and never deferred; only the ack
// SEND is subject to credit/backlog.
func (e *Engine) serveFetch(ctx context.Context, c *conn.Connection, qp ifaces.QueuePair, freq wire.FetchRequest) error {
	length := freq.ChunkSize
	if e.rdmaChunkLen > 0 && int64(e.rdmaChunkLen) < length {
		length = int64(e.rdmaChunkLen)
	}

	chunk, err := e.store.Acquire(ctx, freq.MOFPath, freq.FileOffset, length)
	if err != nil {
		return err
	}

	var pair *pool.PairDesc
	if e.pool != nil {
		pair, err = e.pool.Get()
		if err != nil {
			e.store.Release(chunk)
			return err
		}
		copy(pair.Secondary.Buf, chunk.Data)
	}
	e.store.Release(chunk)

	sendBuf := chunk.Data
	if pair != nil {
		sendBuf = pair.Secondary.Buf[:len(chunk.Data)]
	}

	wrWrite := e.nextWR.Add(1)
	if err := qp.PostRDMAWrite(ifaces.WorkRequest{
		ID: wrWrite, Op: ifaces.OpRDMAWrite, Buf: sendBuf,
		RemoteAddr: freq.RemoteAddr, RKey: c.PeerInfo.RKey, Signaled: false,
	}); err != nil {
		if pair != nil {
			e.pool.Put(pair)
		}
		return err
	}

	ack := wire.FetchAck{
		RawLength:    freq.TotalUncompressed,
		PartLength:   int64(len(sendBuf)),
		RDMASendSize: int32(len(sendBuf)),
		FileOffset:   freq.FileOffset,
		MOFPath:      freq.MOFPath,
	}
	ackPayload, err := ack.Marshal()
	if err != nil {
		if pair != nil {
			e.pool.Put(pair)
		}
		return err
	}

	wrAck := e.nextWR.Add(1)
	if err := c.PostAck(ackPayload, freq.FreqHandle, wrAck); err != nil {
		if pair != nil {
			e.pool.Put(pair)
		}
		return err
	}
	// Post succeeded or backlogged the entry for later draining; either
	// way a SEND carrying wrAck will eventually complete (immediately,
	// or once credits free up), so the pair is released by releaseWork
	// on that completion rather than here.
	e.work.Store(wrAck, &workEntry{kind: workKindAckSend, pair: pair, conn: c})
	return nil
}
