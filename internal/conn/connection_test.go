package conn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netlev/rdmashuffle/internal/ifaces"
	"github.com/netlev/rdmashuffle/internal/wire"
)

// fakeQP records every posted send for assertions; RDMA_WRITE/Recv are
// no-ops since the credit protocol only exercises SEND paths directly.
type fakeQP struct {
	mu    sync.Mutex
	sends []ifaces.WorkRequest
}

func (f *fakeQP) PostSend(wr ifaces.WorkRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, wr)
	return nil
}
func (f *fakeQP) PostRecv(ifaces.WorkRequest) error      { return nil }
func (f *fakeQP) PostRDMAWrite(ifaces.WorkRequest) error { return nil }
func (f *fakeQP) Poll(int) ([]ifaces.Completion, error)  { return nil, nil }
func (f *fakeQP) PollFD() int                            { return -1 }
func (f *fakeQP) RegisterMemory(buf []byte) (uint64, uint32) { return 0, 0 }
func (f *fakeQP) LocalAddr() string                      { return "local" }
func (f *fakeQP) RemoteAddr() string                     { return "remote" }
func (f *fakeQP) Close() error                           { return nil }

func (f *fakeQP) Sends() []ifaces.WorkRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ifaces.WorkRequest, len(f.sends))
	copy(out, f.sends)
	return out
}

func newTestConn(t *testing.T, credits uint32, enableNOOP bool) (*Connection, *fakeQP) {
	t.Helper()
	qp := &fakeQP{}
	c := New(Config{
		ID:         1,
		QP:         qp,
		PeerInfo:   PeerInfo{Credits: credits, RKey: 1, QPNum: 1},
		EnableNOOP: enableNOOP,
	})
	c.SetState(StateEstablished)
	return c, qp
}

func TestPostConsumesCreditWhenAvailable(t *testing.T) {
	c, qp := newTestConn(t, 4, false)
	require.NoError(t, c.Post(wire.MsgRTS, []byte("payload"), 42, 1, true))
	require.EqualValues(t, 3, c.Credits())
	require.Len(t, qp.Sends(), 1)
	require.Equal(t, 0, c.BacklogLen())
}

func TestPostDefersToBacklogWhenNoCredits(t *testing.T) {
	c, qp := newTestConn(t, 0, false)
	require.NoError(t, c.Post(wire.MsgRTS, []byte("payload"), 42, 1, true))
	require.Equal(t, 1, c.BacklogLen())
	require.Empty(t, qp.Sends())
}

func TestOnRecvCompletionDrainsBacklogFIFO(t *testing.T) {
	c, qp := newTestConn(t, 0, false)
	require.NoError(t, c.Post(wire.MsgRTS, []byte("first"), 1, 1, true))
	require.NoError(t, c.Post(wire.MsgRTS, []byte("second"), 2, 2, true))
	require.Equal(t, 2, c.BacklogLen())

	// Peer returns 1 credit: exactly one backlog entry should drain.
	c.OnRecvCompletion(wire.Header{Credits: 1, Type: wire.MsgRTS})
	require.Equal(t, 1, c.BacklogLen())
	require.Len(t, qp.Sends(), 1)

	got, err := wire.UnmarshalHeader(qp.Sends()[0].Buf)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.SrcReq)
}

func TestCreditOverflowClamps(t *testing.T) {
	c, _ := newTestConn(t, 300, false)
	// 300 + 255 exceeds the cap, so credits clamp to WqesPerConn-1.
	c.OnRecvCompletion(wire.Header{Credits: 255, Type: wire.MsgRTS})
	require.EqualValues(t, 399, c.Credits())
}

func TestUnsolicitedNOOPFiresAtHalfThreshold(t *testing.T) {
	c, qp := newTestConn(t, 10, true)
	// Non-NOOP receives increment returning; PeerInfo.Credits=10, so at
	// returning>=5 a NOOP should fire.
	for i := 0; i < 5; i++ {
		c.OnRecvCompletion(wire.Header{Credits: 0, Type: wire.MsgRTS})
	}

	found := false
	for _, s := range qp.Sends() {
		h, err := wire.UnmarshalHeader(s.Buf)
		require.NoError(t, err)
		if h.Type == wire.MsgNOOP {
			found = true
		}
	}
	require.True(t, found, "expected an unsolicited NOOP to have been posted")
}

func TestUnsolicitedNOOPBacklogsWithZeroCredits(t *testing.T) {
	c, qp := newTestConn(t, 10, true)
	c.credits = 0
	// The peer granted 10 (so the NOOP threshold is 5), but no local
	// credit is left and every receive grants 0, so c.credits stays at 0
	// throughout: the proactive NOOP must backlog rather than post
	// unconditionally.
	for i := 0; i < 5; i++ {
		c.OnRecvCompletion(wire.Header{Credits: 0, Type: wire.MsgRTS})
	}
	require.Empty(t, qp.Sends(), "no credit was ever available; nothing should have posted")
	require.Equal(t, 1, c.BacklogLen())

	// Further receives past the threshold must not pile up a second
	// backlogged NOOP while one is already pending.
	c.OnRecvCompletion(wire.Header{Credits: 0, Type: wire.MsgRTS})
	require.Equal(t, 1, c.BacklogLen())

	// Once a credit arrives, the backlogged NOOP drains like any other
	// backlog entry.
	c.OnRecvCompletion(wire.Header{Credits: 1, Type: wire.MsgRTS})
	require.Equal(t, 0, c.BacklogLen())
	require.Len(t, qp.Sends(), 1)
	got, err := wire.UnmarshalHeader(qp.Sends()[0].Buf)
	require.NoError(t, err)
	require.Equal(t, wire.MsgNOOP, got.Type)
}

func TestPostAckReturnsAtMostOneCredit(t *testing.T) {
	c, qp := newTestConn(t, 4, false)
	for i := 0; i < 3; i++ {
		c.OnRecvCompletion(wire.Header{Credits: 0, Type: wire.MsgRTS})
	}
	// Three non-NOOP receives have accumulated returning=3; a generic
	// Post would flush all 3, but PostAck must cap at 1.
	require.NoError(t, c.PostAck([]byte("ack"), 7, 1))
	require.Len(t, qp.Sends(), 1)
	got, err := wire.UnmarshalHeader(qp.Sends()[0].Buf)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Credits)

	// The remaining 2 are still outstanding: a second ack drains one
	// more, not the rest at once.
	require.NoError(t, c.PostAck([]byte("ack2"), 8, 2))
	got2, err := wire.UnmarshalHeader(qp.Sends()[1].Buf)
	require.NoError(t, err)
	require.EqualValues(t, 1, got2.Credits)

	// One credit of returning remains; a third ack reports it, then a
	// fourth (with nothing left to return) reports 0.
	require.NoError(t, c.PostAck([]byte("ack3"), 9, 3))
	got3, err := wire.UnmarshalHeader(qp.Sends()[2].Buf)
	require.NoError(t, err)
	require.EqualValues(t, 1, got3.Credits)

	require.NoError(t, c.PostAck([]byte("ack4"), 10, 4))
	got4, err := wire.UnmarshalHeader(qp.Sends()[3].Buf)
	require.NoError(t, err)
	require.EqualValues(t, 0, got4.Credits)
}

func TestPostAckBacklogsWhenNoCreditsAndDrainsWithCapRule(t *testing.T) {
	c, qp := newTestConn(t, 0, false)
	c.OnRecvCompletion(wire.Header{Credits: 0, Type: wire.MsgRTS})
	c.OnRecvCompletion(wire.Header{Credits: 0, Type: wire.MsgRTS})
	// returning=2, but 0 local credits: PostAck must backlog, not post.
	require.NoError(t, c.PostAck([]byte("ack"), 7, 1))
	require.Equal(t, 1, c.BacklogLen())
	require.Empty(t, qp.Sends())

	// A single credit arrives: the backlogged ack drains applying the
	// same at-most-1 rule, not a full flush of returning=2.
	c.OnRecvCompletion(wire.Header{Credits: 1, Type: wire.MsgRTS})
	require.Equal(t, 0, c.BacklogLen())
	require.Len(t, qp.Sends(), 1)
	got, err := wire.UnmarshalHeader(qp.Sends()[0].Buf)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Credits)
}

func TestNOOPReceiptDoesNotIncrementReturning(t *testing.T) {
	c, qp := newTestConn(t, 10, false)
	c.OnRecvCompletion(wire.Header{Credits: 0, Type: wire.MsgNOOP})
	// returning is private; verify indirectly via the credits field a
	// subsequent post piggybacks.
	require.NoError(t, c.Post(wire.MsgRTS, nil, 1, 1, true))
	got, err := wire.UnmarshalHeader(qp.Sends()[0].Buf)
	require.NoError(t, err)
	require.EqualValues(t, 0, got.Credits)
}

func TestMarkBadRejectsPost(t *testing.T) {
	c, _ := newTestConn(t, 4, false)
	c.MarkBad()
	require.Error(t, c.Post(wire.MsgRTS, []byte("x"), 1, 1, true))
}

func TestPostedRecvsAccounting(t *testing.T) {
	c, _ := newTestConn(t, 4, false)
	for i := 0; i < 3; i++ {
		c.IncPostedRecvs()
	}
	require.Equal(t, 3, c.PostedRecvs())
	c.DecPostedRecvs()
	require.Equal(t, 2, c.PostedRecvs())
}
