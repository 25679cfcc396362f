package broker

import (
	"errors"
	"testing"

	"go.fuchsia.dev/membroker/internal/wire"
)

type fakeConn struct {
	id   int32
	sent []wire.Message
	fail bool
}

func (f *fakeConn) Send(m wire.Message) error {
	if f.fail {
		return wire.ErrIO
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeConn) last() wire.Message {
	if len(f.sent) == 0 {
		return wire.Message{}
	}
	return f.sent[len(f.sent)-1]
}

func register(t *testing.T, e *Engine, conn *fakeConn, id int32, bidi bool, donation int32) {
	t.Helper()
	err := e.HandleMessage(conn, PeerInfo{Pid: 100 + id}, wire.Message{
		ID:    id,
		Op:    wire.Register,
		Param: wire.RegisterParam(bidi, donation),
	})
	if err != nil {
		t.Fatalf("register client %d: %v", id, err)
	}
}

// TestWalkthroughScenario replays spec.md's literal example 1: a
// 5-page broker, a 10-page source, and a plain sink trading pages
// across immediate grants, a return, and a solicited top-up.
func TestWalkthroughScenario(t *testing.T) {
	e := NewEngine(5)
	s := &fakeConn{id: 1}
	k := &fakeConn{id: 2}
	register(t, e, s, 1, true, 10)
	register(t, e, k, 2, false, 0)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}

	must(e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 2, Op: wire.Total}))
	if got := k.last().Param; got != 15 {
		t.Fatalf("TOTAL = %d, want 15", got)
	}

	must(e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 2, Op: wire.Query}))
	if got := k.last().Param; got != 5 {
		t.Fatalf("QUERY = %d, want 5", got)
	}

	must(e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 2, Op: wire.Request, Param: 4}))
	if got := k.last(); got.Op != wire.Share || got.Param != 4 {
		t.Fatalf("REQUEST 4 reply = %+v, want SHARE(4)", got)
	}

	must(e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 2, Op: wire.Query}))
	if got := k.last().Param; got != 1 {
		t.Fatalf("QUERY after REQUEST 4 = %d, want 1", got)
	}

	// A well-behaved client library caps RETURN at what it holds (4),
	// even if the caller asked to return more.
	must(e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 2, Op: wire.Return, Param: 4}))
	must(e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 2, Op: wire.Query}))
	if got := k.last().Param; got != 5 {
		t.Fatalf("QUERY after RETURN = %d, want 5", got)
	}

	must(e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 2, Op: wire.Request, Param: 8}))
	// The pool covers 5 of the 8; the broker solicits the remaining 3
	// from S before K's reply can be sent.
	if len(s.sent) == 0 || s.last().Op != wire.Request || s.last().Param != 3 {
		t.Fatalf("solicitation to S = %+v, want REQUEST(3)", s.last())
	}
	must(e.HandleMessage(s, PeerInfo{}, wire.Message{ID: 1, Op: wire.Share, Param: 3}))

	if got := k.last(); got.Op != wire.Share || got.Param != 8 {
		t.Fatalf("final reply to K = %+v, want SHARE(8)", got)
	}
	must(e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 2, Op: wire.Query}))
	if got := k.last().Param; got != 0 {
		t.Fatalf("QUERY at end = %d, want 0", got)
	}

	snap := e.Snapshot()
	var sBalance int32
	for _, c := range snap.Clients {
		if c.ID == 1 {
			sBalance = c.Balance
		}
	}
	if sBalance != 7 {
		t.Fatalf("S balance = %d, want 7", sBalance)
	}
}

func TestRequestZeroIsNoop(t *testing.T) {
	e := NewEngine(5)
	c := &fakeConn{id: 1}
	register(t, e, c, 1, false, 0)
	e.HandleMessage(c, PeerInfo{}, wire.Message{ID: 1, Op: wire.Request, Param: 0})
	if got := c.last(); got.Op != wire.Share || got.Param != 0 {
		t.Fatalf("REQUEST 0 reply = %+v, want SHARE(0)", got)
	}
	if e.pages != 5 {
		t.Fatalf("pool = %d, want unchanged 5", e.pages)
	}
}

func TestNegativeRequestYieldsBadParam(t *testing.T) {
	e := NewEngine(5)
	c := &fakeConn{id: 1}
	register(t, e, c, 1, false, 0)
	e.HandleMessage(c, PeerInfo{}, wire.Message{ID: 1, Op: wire.Request, Param: -3})
	got := c.last()
	if got.Op != wire.Share {
		t.Fatalf("reply op = %v, want SHARE", got.Op)
	}
	if _, ok := wire.IsBadPages(got.Param); !ok {
		t.Fatalf("reply param %d does not decode as BadPages", got.Param)
	}
	if e.pages != 5 {
		t.Fatalf("pool = %d, want unchanged 5", e.pages)
	}
}

func TestReserveIsAllOrNothing(t *testing.T) {
	e := NewEngine(5)
	k := &fakeConn{id: 1}
	register(t, e, k, 1, false, 0)

	// No donors exist to cover the remaining demand: a RESERVE for
	// more than the pool holds must fail clean, granting nothing, and
	// leave the pool untouched.
	e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 1, Op: wire.Reserve, Param: 20})
	if got := k.last(); got.Op != wire.Share || got.Param != 0 {
		t.Fatalf("RESERVE beyond total reply = %+v, want SHARE(0)", got)
	}
	if e.pages != 5 {
		t.Fatalf("pool = %d, want unchanged 5 after a failed RESERVE", e.pages)
	}
}

func TestRequestPartialFillOnExhaustion(t *testing.T) {
	e := NewEngine(5)
	k := &fakeConn{id: 1}
	register(t, e, k, 1, false, 0)

	e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 1, Op: wire.Request, Param: 20})
	if got := k.last(); got.Op != wire.Share || got.Param != 5 {
		t.Fatalf("REQUEST beyond total reply = %+v, want SHARE(5) (partial fill)", got)
	}
}

func TestDisconnectReclaimsNetLoanOnly(t *testing.T) {
	e := NewEngine(5)
	s := &fakeConn{id: 1}
	register(t, e, s, 1, true, 10)

	// S has not been asked for anything yet: balance == donation, net
	// loan is zero.
	e.Disconnect(s)
	if e.pages != 5 {
		t.Fatalf("pool after disconnect of untouched source = %d, want unchanged 5", e.pages)
	}
	if _, ok := e.registry.Lookup(1); ok {
		t.Fatal("client 1 still registered after disconnect")
	}
}

func TestDisconnectReclaimsOutstandingGrant(t *testing.T) {
	e := NewEngine(10)
	k := &fakeConn{id: 1}
	register(t, e, k, 1, false, 0)
	e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 1, Op: wire.Request, Param: 4})
	if e.pages != 6 {
		t.Fatalf("pool after grant = %d, want 6", e.pages)
	}
	e.Disconnect(k)
	if e.pages != 10 {
		t.Fatalf("pool after disconnect = %d, want 10 (4 pages reclaimed)", e.pages)
	}
}

func TestReturnBeyondHeldIsFatal(t *testing.T) {
	e := NewEngine(5)
	k := &fakeConn{id: 1}
	register(t, e, k, 1, false, 0)
	err := e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 1, Op: wire.Return, Param: 1})
	if !errors.Is(err, ErrContractViolation) {
		t.Fatalf("RETURN beyond held = %v, want ErrContractViolation", err)
	}
}

func TestDuplicateRegisterIgnored(t *testing.T) {
	e := NewEngine(5)
	c := &fakeConn{id: 1}
	register(t, e, c, 1, false, 0)
	before := len(e.registry.Order())
	e.HandleMessage(c, PeerInfo{}, wire.Message{ID: 1, Op: wire.Register, Param: wire.RegisterParam(true, 99)})
	if len(e.registry.Order()) != before {
		t.Fatalf("duplicate REGISTER changed registry size: %d -> %d", before, len(e.registry.Order()))
	}
	client, _ := e.registry.Lookup(1)
	if client.Donation != 0 {
		t.Fatalf("duplicate REGISTER mutated donation to %d, want unchanged 0", client.Donation)
	}
}

func TestSourceIsAlwaysBidi(t *testing.T) {
	e := NewEngine(5)
	c := &fakeConn{id: 1}
	// Ask to register as a non-bidi source; the engine must force bidi.
	e.HandleMessage(c, PeerInfo{}, wire.Message{ID: 1, Op: wire.Register, Param: wire.RegisterParam(false, 10)})
	client, ok := e.registry.Lookup(1)
	if !ok {
		t.Fatal("client not registered")
	}
	if !client.Bidi {
		t.Error("source registered as non-bidi, want bidi forced true")
	}
}

func TestDenyActsAsShareZero(t *testing.T) {
	e := NewEngine(2)
	s := &fakeConn{id: 1}
	k := &fakeConn{id: 2}
	register(t, e, s, 1, true, 10)
	register(t, e, k, 2, false, 0)

	e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 2, Op: wire.Request, Param: 5})
	if s.last().Op != wire.Request {
		t.Fatalf("expected solicitation to S, got %+v", s.last())
	}
	e.HandleMessage(s, PeerInfo{}, wire.Message{ID: 1, Op: wire.Deny})
	if got := k.last(); got.Op != wire.Share || got.Param != 2 {
		t.Fatalf("final reply to K after DENY = %+v, want SHARE(2) (only the pool portion)", got)
	}
}

func TestSendFailureDuringSolicitationDoesNotDeleteDonor(t *testing.T) {
	e := NewEngine(0)
	s := &fakeConn{id: 1, fail: true}
	k := &fakeConn{id: 2}
	register(t, e, s, 1, true, 10)
	register(t, e, k, 2, false, 0)

	e.HandleMessage(k, PeerInfo{}, wire.Message{ID: 2, Op: wire.Request, Param: 5})

	if _, ok := e.registry.Lookup(1); !ok {
		t.Fatal("donor was removed after a failed solicitation send")
	}
	client, _ := e.registry.Lookup(1)
	if client.Solicit.State != Idle {
		t.Fatalf("donor solicit state = %v, want Idle after failed send", client.Solicit.State)
	}
}
