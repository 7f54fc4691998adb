package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/netlev/rdmashuffle/internal/ifaces"
)

// simListener pairs a registered accept callback with the disconnect
// callback Connect should wire into each connection it hands that
// listener, mirroring VerbsFabric.Listen's onDisconnect parameter.
type simListener struct {
	accept       func(req ifaces.ConnRequest)
	onDisconnect func(qp ifaces.QueuePair)
}

// SimFabric implements ifaces.Fabric entirely in-process over
// SimQueuePair pairs, for client/server integration tests that need a
// real Connect/Listen handshake without hardware or sockets.
type SimFabric struct {
	mu        sync.Mutex
	listeners map[string]simListener
	closed    bool
}

// NewSimFabric builds an empty SimFabric. Multiple SimFabric values
// sharing the same address space are independent; pass the same
// *SimFabric to both a client and a server engine under test.
func NewSimFabric() *SimFabric {
	return &SimFabric{listeners: make(map[string]simListener)}
}

// Listen registers accept for addr until ctx is canceled. onDisconnect,
// if non-nil, fires once per accepted connection when its peer closes,
// simulating the CM DISCONNECTED event spec §4.3 documents.
func (f *SimFabric) Listen(ctx context.Context, addr string, accept func(req ifaces.ConnRequest), onDisconnect func(qp ifaces.QueuePair)) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("sim fabric: closed")
	}
	f.listeners[addr] = simListener{accept: accept, onDisconnect: onDisconnect}
	f.mu.Unlock()

	<-ctx.Done()

	f.mu.Lock()
	delete(f.listeners, addr)
	f.mu.Unlock()
	return ctx.Err()
}

// Connect synchronously builds a paired SimQueuePair and drives the
// registered listener's accept callback, returning the client side's
// queue pair and the listener's response private data. buildPriv is
// invoked with the new client-side queue pair before either side's
// private data is exchanged, the same ordering the real verbs
// transport gives buildPriv (queue pair created, not yet connected).
func (f *SimFabric) Connect(ctx context.Context, addr string, buildPriv func(qp ifaces.QueuePair) []byte) (ifaces.QueuePair, []byte, error) {
	f.mu.Lock()
	listener, ok := f.listeners[addr]
	f.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("sim fabric: no listener on %q", addr)
	}
	accept := listener.accept

	clientQP, serverQP, err := NewSimQueuePairPair("sim-client", addr)
	if err != nil {
		return nil, nil, err
	}

	var priv []byte
	if buildPriv != nil {
		priv = buildPriv(clientQP)
	}

	type result struct {
		respPriv []byte
		err      error
	}
	done := make(chan result, 1)

	go accept(ifaces.ConnRequest{
		PeerPriv: priv,
		Accept: func(buildRespPriv func(qp ifaces.QueuePair) []byte) (ifaces.QueuePair, error) {
			var respPriv []byte
			if buildRespPriv != nil {
				respPriv = buildRespPriv(serverQP)
			}
			if listener.onDisconnect != nil {
				serverQP.SetDisconnectHandler(func() { listener.onDisconnect(serverQP) })
			}
			done <- result{respPriv: respPriv}
			return serverQP, nil
		},
		Reject: func() error {
			done <- result{err: fmt.Errorf("sim fabric: connection rejected")}
			return nil
		},
	})

	select {
	case <-ctx.Done():
		clientQP.Close()
		return nil, nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			clientQP.Close()
			return nil, nil, r.err
		}
		return clientQP, r.respPriv, nil
	}
}

// Close marks the fabric closed; already-accepted listeners keep
// serving until their own ctx is canceled.
func (f *SimFabric) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

var _ ifaces.Fabric = (*SimFabric)(nil)
