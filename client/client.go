// Package client implements the netlev shuffle client engine (C6): it
// resolves and caches reduce-side hostnames, holds one connection per
// distinct peer, issues fetch requests for map-output segments, and
// forwards completed fetches to a merge consumer, grounded
// function-by-function on RDMAClient.cc (connect/netlev_get_conn,
// get_hostip, start_fetch_req, comp_fetch_req).
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/netlev/rdmashuffle/internal/conn"
	"github.com/netlev/rdmashuffle/internal/constants"
	"github.com/netlev/rdmashuffle/internal/ifaces"
	"github.com/netlev/rdmashuffle/internal/pool"
	"github.com/netlev/rdmashuffle/internal/wire"
)

// FetchSpec identifies one map-output segment to pull from a peer,
// carrying every FetchRequest field the caller (a reduce task's
// shuffle copier) already knows; the engine fills in the remote
// address and freq handle itself once it has chosen a landing buffer.
type FetchSpec struct {
	JobID             string
	MapID             string
	ReduceID          string
	MOPOffset         int64
	FileOffset        int64
	MOFPath           string
	Length            int64
	TotalUncompressed int64
	TotalRDMA         int64
}

type pendingFetch struct {
	spec FetchSpec
	pair *pool.PairDesc
}

// peerConn is one established connection to a shuffle server, keyed by
// resolved IP so that repeated fetches from the same host reuse it
// rather than reconnecting (mirrors netlev_conn_find_by_ip).
type peerConn struct {
	conn *conn.Connection
	qp   ifaces.QueuePair

	mu       sync.Mutex
	pending  map[uint64]*pendingFetch
	recvBufs sync.Map // wrID uint64 -> []byte, posted receive buffers awaiting completion
}

// Config configures a new Engine.
type Config struct {
	Fabric   ifaces.Fabric
	Pool     *pool.Pool
	Merge    ifaces.MergeConsumer
	Logger   ifaces.Logger
	Observer ifaces.Observer

	// Port is the fixed shuffle service port every peer listens on,
	// mirroring the original's single svc_port for all fetches.
	Port int
	// RDMABufSize is the landing buffer size used when a FetchSpec
	// doesn't request a specific length.
	RDMABufSize int
	// DNSCacheSize bounds the resolved-hostname cache. The original
	// used an unbounded map; a bounded LRU caps memory for long-lived
	// reduce tasks fetching from many distinct hosts.
	DNSCacheSize int
}

// Engine is the client-side shuffle endpoint: one Fabric, one shared
// landing-buffer pool, and one Connection per distinct resolved peer.
type Engine struct {
	fabric ifaces.Fabric
	pool   *pool.Pool
	merge  ifaces.MergeConsumer
	log    ifaces.Logger
	obs    ifaces.Observer

	port        int
	rdmaBufSize int

	dns *lru.Cache[string, string]

	nextWR    atomic.Uint64
	nextFreq  atomic.Uint64
	nextConn  atomic.Uint64
	connsMu   sync.Mutex
	connsByIP map[string]*peerConn
}

// New builds a client Engine.
func New(cfg Config) (*Engine, error) {
	size := cfg.DNSCacheSize
	if size <= 0 {
		size = 1024
	}
	dns, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("client: dns cache: %w", err)
	}
	bufSize := cfg.RDMABufSize
	if bufSize <= 0 {
		bufSize = constants.DefaultRDMABufSize
	}
	return &Engine{
		fabric:      cfg.Fabric,
		pool:        cfg.Pool,
		merge:       cfg.Merge,
		log:         cfg.Logger,
		obs:         cfg.Observer,
		port:        cfg.Port,
		rdmaBufSize: bufSize,
		dns:         dns,
		connsByIP:   make(map[string]*peerConn),
	}, nil
}

// resolveHost resolves host to an address, consulting the DNS cache
// first (get_hostip's local_dns map lookup before falling back to
// getaddrinfo).
func (e *Engine) resolveHost(host string) (string, error) {
	if ip, ok := e.dns.Get(host); ok {
		return ip, nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return "", fmt.Errorf("client: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("client: no addresses for %s", host)
	}
	e.dns.Add(host, addrs[0])
	return addrs[0], nil
}

// connectPeer returns the cached connection to host, or dials a new one
// and registers the landing pool against it, retrying up to
// ReconnectTries times (netlev_get_conn's retry loop). The fabric's
// connection-manager channel is reused across attempts: it is a field
// on the Fabric implementation, not recreated per call.
func (e *Engine) connectPeer(ctx context.Context, host string) (*peerConn, error) {
	ip, err := e.resolveHost(host)
	if err != nil {
		return nil, err
	}

	e.connsMu.Lock()
	if pc, ok := e.connsByIP[ip]; ok {
		e.connsMu.Unlock()
		return pc, nil
	}
	e.connsMu.Unlock()

	addr := fmt.Sprintf("%s:%d", ip, e.port)

	var lastErr error
	for attempt := 0; attempt < constants.ReconnectTries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(constants.ReconnectBackoff):
			}
		}

		pc, err := e.dial(ctx, addr)
		if err == nil {
			e.connsMu.Lock()
			e.connsByIP[ip] = pc
			e.connsMu.Unlock()
			return pc, nil
		}
		lastErr = err
		if e.log != nil {
			e.log.Warn("connect attempt failed", "host", host, "attempt", attempt, "err", err.Error())
		}
	}
	return nil, fmt.Errorf("client: %s: reconnect attempts exhausted: %w", host, lastErr)
}

func (e *Engine) dial(ctx context.Context, addr string) (*peerConn, error) {
	qp, peerPriv, err := e.fabric.Connect(ctx, addr, func(qp ifaces.QueuePair) []byte {
		var rkey uint32
		if e.pool != nil {
			e.pool.RegisterWith(qp)
			rkey = e.pool.RKey()
		}
		return conn.EncodePeerInfo(conn.PeerInfo{Credits: constants.WqesPerConn - 1, RKey: rkey})
	})
	if err != nil {
		return nil, err
	}

	peerInfo, err := conn.DecodePeerInfo(peerPriv)
	if err != nil {
		qp.Close()
		return nil, fmt.Errorf("client: bad accept private data: %w", err)
	}

	id := e.nextConn.Add(1)
	c := conn.New(conn.Config{
		ID:         id,
		QP:         qp,
		PeerInfo:   peerInfo,
		PeerIP:     addr,
		Logger:     e.log,
		Observer:   e.obs,
		EnableNOOP: true,
	})
	c.SetState(conn.StateEstablished)

	pc := &peerConn{conn: c, qp: qp, pending: make(map[uint64]*pendingFetch)}

	for i := 0; i < constants.WqesPerConn; i++ {
		e.postRecv(pc)
	}
	return pc, nil
}

func (e *Engine) postRecv(pc *peerConn) {
	buf := make([]byte, constants.FetchReqMaxSize+wire.HeaderSize())
	wrID := e.nextWR.Add(1)
	if err := pc.qp.PostRecv(ifaces.WorkRequest{ID: wrID, Buf: buf}); err != nil {
		if e.log != nil {
			e.log.Error("PostRecv failed", "err", err.Error())
		}
		return
	}
	pc.recvBufs.Store(wrID, buf)
	pc.conn.IncPostedRecvs()
}

// IssueFetch requests one map-output segment from host, landing the
// data in a pool buffer pair registered for RDMA_WRITE. The ack arrives
// asynchronously; DrainCompletions must be pumped (directly or via an
// event loop polling the connection's QueuePair) for the fetch to
// complete and reach the configured MergeConsumer.
func (e *Engine) IssueFetch(ctx context.Context, host string, spec FetchSpec) error {
	pc, err := e.connectPeer(ctx, host)
	if err != nil {
		return err
	}

	length := spec.Length
	if length <= 0 {
		length = int64(e.rdmaBufSize)
	}

	var pair *pool.PairDesc
	var remoteAddr uint64
	if e.pool != nil {
		pair, err = e.pool.Get()
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}
		if int64(len(pair.Primary.Buf)) < length {
			length = int64(len(pair.Primary.Buf))
		}
		remoteAddr = e.pool.PrimaryAddr(pair)
	} else {
		remoteAddr, _ = pc.qp.RegisterMemory(make([]byte, length))
	}

	freqHandle := e.nextFreq.Add(1)
	freq := wire.FetchRequest{
		JobID:             spec.JobID,
		MapID:             spec.MapID,
		MOPOffset:         spec.MOPOffset,
		ReduceID:          spec.ReduceID,
		RemoteAddr:        remoteAddr,
		FreqHandle:        freqHandle,
		ChunkSize:         length,
		FileOffset:        spec.FileOffset,
		MOFPath:           spec.MOFPath,
		TotalUncompressed: spec.TotalUncompressed,
		TotalRDMA:         spec.TotalRDMA,
	}
	payload, err := freq.Marshal()
	if err != nil {
		if e.pool != nil && pair != nil {
			e.pool.Put(pair)
		}
		return err
	}

	pc.mu.Lock()
	pc.pending[freqHandle] = &pendingFetch{spec: spec, pair: pair}
	pc.mu.Unlock()

	wrID := e.nextWR.Add(1)
	if err := pc.conn.Post(wire.MsgRTS, payload, freqHandle, wrID, true); err != nil {
		pc.mu.Lock()
		delete(pc.pending, freqHandle)
		pc.mu.Unlock()
		if e.pool != nil && pair != nil {
			e.pool.Put(pair)
		}
		return err
	}
	return nil
}

// DrainCompletions polls the connection to host for up to
// ClientMaxCQEventsPerWake completions, dispatching SEND/RECV
// completions the way client_comp_ibv_recv does.
func (e *Engine) DrainCompletions(ctx context.Context, host string) error {
	ip, err := e.resolveHost(host)
	if err != nil {
		return err
	}
	e.connsMu.Lock()
	pc, ok := e.connsByIP[ip]
	e.connsMu.Unlock()
	if !ok {
		return fmt.Errorf("client: no connection to %s", host)
	}

	completions, err := pc.qp.Poll(constants.ClientMaxCQEventsPerWake)
	if err != nil {
		return err
	}
	for _, wc := range completions {
		switch wc.Status {
		case ifaces.StatusFlushErr:
			continue
		case ifaces.StatusOtherErr:
			pc.conn.MarkBad()
			continue
		}

		switch wc.Op {
		case ifaces.OpSend:
			// Fetch-request SEND acknowledged locally; nothing to
			// release, the request payload was heap-allocated per call.
		case ifaces.OpRecv:
			e.handleRecv(ctx, pc, wc)
		case ifaces.OpRDMAWrite:
			// The client never issues RDMA_WRITE itself.
		}
	}
	return nil
}

func (e *Engine) handleRecv(ctx context.Context, pc *peerConn, wc ifaces.Completion) {
	pc.conn.DecPostedRecvs()

	buf, ok := pc.recvBufs.LoadAndDelete(wc.WRID)
	e.postRecv(pc)
	if !ok {
		if e.log != nil {
			e.log.Error("recv completion with unknown wr_id", "wr_id", wc.WRID)
		}
		return
	}

	payload := buf.([]byte)[:wc.Bytes]
	if err := e.HandleRecvPayload(ctx, pc, payload); err != nil && e.log != nil {
		e.log.Error("fetch ack handling failed", "err", err.Error())
	}
}

// HandleRecvPayload processes one delivered RECV payload against pc:
// feeds the credit protocol, and for an RTS message (a fetch ack)
// parses the body, matches it to the pending fetch by freq handle, and
// forwards the landed data to the configured MergeConsumer, mirroring
// comp_fetch_req's parent-forwarding branch.
func (e *Engine) HandleRecvPayload(ctx context.Context, pc *peerConn, payload []byte) error {
	h, err := wire.UnmarshalHeader(payload)
	if err != nil {
		return err
	}
	pc.conn.OnRecvCompletion(h)

	if h.Type != wire.MsgRTS {
		return nil
	}

	body := payload[wire.HeaderSize() : wire.HeaderSize()+int(h.TotLen)]
	ack, err := wire.UnmarshalFetchAck(body)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	pf, ok := pc.pending[h.SrcReq]
	if ok {
		delete(pc.pending, h.SrcReq)
	}
	pc.mu.Unlock()
	if !ok {
		return fmt.Errorf("client: ack for unknown freq handle %d", h.SrcReq)
	}

	var data []byte
	if pf.pair != nil {
		n := int(ack.PartLength)
		if n > len(pf.pair.Primary.Buf) {
			n = len(pf.pair.Primary.Buf)
		}
		data = append([]byte(nil), pf.pair.Primary.Buf[:n]...)
		if e.pool != nil {
			e.pool.Put(pf.pair)
		}
	}

	result := ifaces.FetchResult{
		JobID:      pf.spec.JobID,
		MapID:      pf.spec.MapID,
		ReduceID:   pf.spec.ReduceID,
		RawLength:  ack.RawLength,
		PartLength: ack.PartLength,
		Offset:     ack.FileOffset,
		MOFPath:    ack.MOFPath,
		Data:       data,
	}
	if e.merge == nil {
		return nil
	}
	return e.merge.Deliver(result)
}
