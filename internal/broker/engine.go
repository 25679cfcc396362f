// Package broker implements the page allocation engine: the
// single-goroutine state machine that matches REQUEST/RESERVE demand
// against available pages and connected donors. It is a direct
// translation of mbserver.c's update_server/request_pages/
// process_solicited_pages/return_shared_pages, with the sign-encoded
// solicitation state replaced by the explicit Solicitation type (see
// solicit.go) and the linked client/request lists replaced by
// Registry/slice-backed queue.
//
// Engine is not safe for concurrent use. Callers (internal/transport)
// are expected to serialize every HandleMessage/Disconnect call
// through a single goroutine, mirroring the original's single-threaded
// select(2) loop.
package broker

import (
	"fmt"

	"github.com/golang/glog"

	"go.fuchsia.dev/membroker/internal/wire"
)

type updateFlags uint8

const (
	flagPages updateFlags = 1 << iota
	flagClientRequest
)

// PeerInfo carries best-effort identifying information about a
// connecting process, gathered by the transport layer via SO_PEERCRED
// and /proc. Neither field is required for correct operation; both are
// purely diagnostic (see Engine.Snapshot).
type PeerInfo struct {
	Pid     int32
	Cmdline string
}

// Engine holds the broker's entire allocation state.
type Engine struct {
	pages           int32
	initialDonation int32

	registry *Registry
	queue    []*Request

	updates updateFlags
}

// NewEngine creates an engine with an initial page pool of n pages,
// mirroring mbs_set_pages setting both server->pages and
// server->source_pages to the same startup value.
func NewEngine(pages int32) *Engine {
	return &Engine{
		pages:           pages,
		initialDonation: pages,
		registry:        newRegistry(),
	}
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

// HandleMessage processes one client message to completion, including
// the fixpoint loop it triggers, mirroring process_connection. conn
// identifies the originating connection (used to register a new
// client and to find it again on disconnect); peer is best-effort
// identifying info used only if this message registers a new client.
//
// A returned error wrapping ErrContractViolation is fatal: the caller
// should log it and shut the broker down, matching the original's
// exit(10) on the same conditions.
func (e *Engine) HandleMessage(conn Sender, peer PeerInfo, m wire.Message) error {
	client, ok := e.registry.Lookup(m.ID)
	if !ok {
		if m.Op != wire.Register {
			glog.Warningf("client %d: opcode %s from unregistered client, ignoring", m.ID, m.Op)
			return nil
		}
		bidi, donation := wire.DecodeRegisterParam(m.Param)
		c, err := e.registry.Register(m.ID, conn, peer.Pid, peer.Cmdline, bidi, donation)
		if err != nil {
			glog.Warningf("client %d: %v", m.ID, err)
			return nil
		}
		client = c
		e.setUpdates(flagClientRequest)
		e.update()
		glog.Infof("client %d registered (pid=%d donation=%d bidi=%v)", client.ID, client.Pid, client.Donation, client.Bidi)
		return nil
	}

	if m.Op == wire.Register {
		// Re-registration under an id already in use is treated the
		// same as an unexpected opcode from a non-registered client
		// (spec.md §4.3): logged, ignored, no state change.
		glog.Warningf("client %d: duplicate REGISTER ignored", m.ID)
		return nil
	}

	op, val := m.Op, m.Param
	if op == wire.Deny {
		// DENY is SHARE(0) wearing a different opcode: a donor
		// declining a solicitation outright.
		op, val = wire.Share, 0
	}

	switch op {
	case wire.Request, wire.Reserve:
		e.handleRequestOrReserve(client, op, val)
	case wire.Return:
		return e.handleReturn(client, val)
	case wire.Share:
		return e.handleShare(client, val)
	case wire.Terminate:
		e.handleTerminate(client)
	case wire.Status:
		glog.Infof("STATUS requested by client %d:\n%s", client.ID, e.Snapshot())
	case wire.Query:
		client.Send(wire.Message{ID: m.ID, Op: wire.Query, Param: e.pages})
	case wire.Total:
		client.Send(wire.Message{ID: m.ID, Op: wire.Total, Param: e.totalPages()})
	case wire.QueryAvailable, wire.Available:
		// Accepted for protocol compatibility but not acted on; see
		// spec.md §9.
	default:
		glog.Warningf("client %d: unhandled opcode %s", client.ID, op)
	}
	return nil
}

// Disconnect tears down a client whose connection closed without an
// explicit TERMINATE: reclaim its balance, detach it from any request
// it owns or is being solicited for, remove it from the registry, and
// run the fixpoint loop. Mirrors free_client.
func (e *Engine) Disconnect(conn Sender) {
	client, ok := e.registry.ByConn(conn)
	if !ok {
		return
	}
	e.disconnect(client)
	e.update()
}

func (e *Engine) disconnect(client *Client) {
	// Only the net loan beyond the client's own donation ceiling goes
	// back to the pool: the ceiling itself was never deposited, so it
	// simply stops counting toward TOTAL once the client is removed.
	e.givePages(client.Balance - client.Donation)
	if client.ActiveRequest != nil {
		client.ActiveRequest.Complete = true
		client.ActiveRequest.Needed = 0
		e.setUpdates(flagClientRequest)
	}
	for _, req := range e.queue {
		if req.InFlightDonor == client {
			req.InFlightDonor = nil
			e.setUpdates(flagClientRequest)
		}
		delete(req.Polled, client)
	}
	e.registry.Remove(client)
	glog.Infof("client %d disconnected", client.ID)
}

func (e *Engine) setUpdates(f updateFlags) { e.updates |= f }

// update runs the fixpoint loop of spec.md §4.4: while any flag is
// set, clear it and re-derive state (fill requests from the pool,
// re-run the matching pass), send replies for newly completed
// requests, then repeat until nothing changed. Finally it offers any
// surplus back to in-debt sources.
func (e *Engine) update() {
	if e.pages > 0 {
		e.setUpdates(flagPages)
	}
	for e.updates != 0 {
		updates := e.updates
		e.updates = 0
		if updates&flagPages != 0 {
			e.fillFromPool()
		}
		if updates&flagClientRequest != 0 {
			e.matchRequests()
		}
		e.flushCompletedRequests()
	}
	e.returnSurplus()
}

// fillFromPool grants queued demand directly from the free pool before
// any solicitation is attempted, mirroring process_unsolicited_pages.
func (e *Engine) fillFromPool() {
	for _, req := range e.queue {
		if e.pages <= 0 {
			break
		}
		if req.Complete || req.Needed == 0 {
			continue
		}
		grant := min32(e.pages, req.Needed)
		req.Acquired += grant
		req.Needed -= grant
		e.pages -= grant
		if req.Needed == 0 {
			e.completeRequest(req)
		}
	}
}

// matchRequests is the matching pass of spec.md §4.4.3: for every
// incomplete, undonated request, walk the candidate donor order
// looking for one to solicit (or wait on), then dispatch any freshly
// pending solicitations.
func (e *Engine) matchRequests() {
	for _, req := range e.queue {
		if req.Complete || req.InFlightDonor != nil {
			continue
		}
		wait := e.matchOne(req)
		if !wait {
			e.completeRequest(req)
		}
	}
	e.dispatchSolicitations()
}

// matchOne walks candidates for a single request, returning whether
// the request should keep waiting (true) or is unsatisfiable and
// should complete now (false).
func (e *Engine) matchOne(req *Request) bool {
	wait := false
	for _, candidate := range e.registry.Order() {
		if req.InFlightDonor != nil {
			break
		}
		if candidate == req.Requester || !candidate.Bidi {
			continue
		}
		if polledType, polled := req.Polled[candidate]; polled && polledType == req.Type {
			continue
		}

		switch {
		case candidate.ActiveRequest != nil:
			// A candidate with its own request is a blocker, not a
			// donor. Only a RESERVE waits on it, and only when the
			// candidate's own request is a REQUEST it might race with;
			// a best-effort REQUEST does not wait on a blocker.
			if candidate.ActiveRequest.Type == wire.Request && req.Type == wire.Reserve {
				wait = true
			}
		case candidate.Solicit.State == Outstanding:
			if candidate.Solicit.Type == wire.Request || req.Type == wire.Reserve {
				wait = true
			}
		default:
			effType := req.Type
			if req.Type == wire.Reserve && candidate.IsSource() {
				if _, everPolled := req.Polled[candidate]; !everPolled {
					// Never having been asked, a source gets a
					// cheaper REQUEST first rather than risking a
					// RESERVE it might refuse outright.
					effType = wire.Request
				}
			}
			if candidate.Solicit.State == Idle {
				candidate.Solicit = Solicitation{State: Pending, Type: effType}
			}
			if candidate.Solicit.Type == effType {
				candidate.Solicit.Pages += req.Needed
				req.InFlightDonor = candidate
				wait = true
			}
		}
	}
	return wait
}

// dispatchSolicitations flips every Pending client to Outstanding and
// sends the accumulated solicitation, per spec.md §4.4.4. A failed
// send rolls the affected requests' InFlightDonor back to nil (marking
// the donor polled for this type so a later pass won't retry it) and
// clears the donor's own solicitation state, rather than retrying.
func (e *Engine) dispatchSolicitations() {
	for _, client := range e.registry.Order() {
		if client.Solicit.State != Pending {
			continue
		}
		pages, op := client.Solicit.Pages, client.Solicit.Type
		client.Solicit.State = Outstanding
		if err := client.Send(wire.Message{ID: client.ID, Op: op, Param: pages}); err != nil {
			glog.Warningf("client %d: solicitation send failed: %v", client.ID, err)
			for _, req := range e.queue {
				if req.InFlightDonor == client {
					req.Polled[client] = op
					req.InFlightDonor = nil
				}
			}
			client.Solicit = Solicitation{}
			e.setUpdates(flagClientRequest)
		}
	}
}

// completeRequest marks a request done. A RESERVE that never reached
// its full demand gives back whatever it had partially acquired,
// matching the all-or-nothing contract; a REQUEST keeps any partial
// fill. Mirrors request_complete.
func (e *Engine) completeRequest(req *Request) {
	if req.Type == wire.Reserve && req.Needed > 0 {
		e.givePages(req.Acquired)
		req.Acquired = 0
	}
	req.Complete = true
	e.setUpdates(flagClientRequest)
}

// flushCompletedRequests sends SHARE replies for newly complete
// requests and drops them from the queue, mirroring
// process_request_queue's free_request call. A failed send returns the
// request's acquired pages to the pool instead of crediting the
// requester, rather than silently losing them.
func (e *Engine) flushCompletedRequests() {
	remaining := e.queue[:0]
	for _, req := range e.queue {
		if !req.Complete {
			remaining = append(remaining, req)
			continue
		}
		if err := req.Requester.Send(wire.Message{ID: req.Requester.ID, Op: wire.Share, Param: req.Acquired}); err == nil {
			req.Requester.Balance += req.Acquired
			req.Acquired = 0
		} else {
			glog.Warningf("client %d: SHARE reply failed: %v", req.Requester.ID, err)
		}
		e.givePages(req.Acquired)
		req.Requester.ActiveRequest = nil
	}
	e.queue = remaining
}

// handleRequestOrReserve enqueues new demand, or grants it immediately
// when the pool already covers it and nothing else is queued ahead of
// it. Mirrors request_pages's fast path plus add_request.
func (e *Engine) handleRequestOrReserve(client *Client, op wire.Opcode, pages int32) {
	if pages < 0 {
		client.Send(wire.Message{ID: client.ID, Op: wire.Share, Param: wire.BadPages(wire.ErrBadParam)})
		return
	}
	if client.ActiveRequest != nil {
		// One outstanding request per client; a second is silently
		// dropped rather than queued behind the first.
		return
	}
	if pages == 0 {
		client.Send(wire.Message{ID: client.ID, Op: wire.Share, Param: 0})
		return
	}
	if len(e.queue) == 0 && e.pages >= pages {
		e.pages -= pages
		client.Balance += pages
		client.Send(wire.Message{ID: client.ID, Op: wire.Share, Param: pages})
		return
	}
	req := newRequest(client, op, pages)
	e.queue = append(e.queue, req)
	client.ActiveRequest = req
	e.setUpdates(flagClientRequest)
	e.update()
}

// handleReturn applies a RETURN, mirroring mbserver.c's RETURN case. A
// negative amount is a malformed message (no reply channel exists to
// report it on, since RETURN is fire-and-forget) and is logged and
// ignored rather than acted on. An amount exceeding what the client
// ever held is a contract violation and fatal, matching the original's
// exit(10); a well-behaved client library caps its own RETURN calls
// before this can happen (see client.Client.ReturnPages).
func (e *Engine) handleReturn(client *Client, pages int32) error {
	if pages < 0 {
		glog.Warningf("client %d: negative RETURN(%d) ignored", client.ID, pages)
		return nil
	}
	if client.Balance < pages {
		return fmt.Errorf("%w: client %d returned %d pages but holds %d", ErrContractViolation, client.ID, pages, client.Balance)
	}
	client.Balance -= pages
	e.givePages(pages)
	e.update()
	return nil
}

// handleShare applies a donor's reply to a solicitation (SHARE or, via
// HandleMessage's DENY translation, SHARE(0)). It distributes the
// shared pages across every request this donor was in flight for, in
// queue order, returning any leftover to the pool. Mirrors
// process_solicited_pages.
func (e *Engine) handleShare(client *Client, shared int32) error {
	if !client.Bidi {
		return fmt.Errorf("%w: client %d sent SHARE but is not bidirectional", ErrContractViolation, client.ID)
	}
	client.Balance -= shared
	remaining := shared
	solicitedType := client.Solicit.Type
	touched := false
	for _, req := range e.queue {
		if req.InFlightDonor != client {
			continue
		}
		touched = true
		grant := min32(remaining, req.Needed)
		req.Acquired += grant
		req.Needed -= grant
		remaining -= grant
		req.Polled[client] = solicitedType
		req.InFlightDonor = nil
		if req.Needed == 0 {
			e.completeRequest(req)
		}
	}
	client.Solicit = Solicitation{}
	if touched {
		e.setUpdates(flagClientRequest)
	}
	e.givePages(remaining)
	e.update()
	return nil
}

// handleTerminate acknowledges and tears down a voluntary disconnect,
// mirroring mbserver.c's TERMINATE case (which acks before freeing the
// client, rather than after, since the connection may already be half
// closed by the time free_client runs).
func (e *Engine) handleTerminate(client *Client) {
	client.Send(wire.Message{ID: client.ID, Op: wire.Terminate, Param: 0})
	e.disconnect(client)
	e.update()
}

// givePages returns pages to the free pool and flags that queued
// demand should be re-examined against it. Mirrors give_server_pages.
func (e *Engine) givePages(pages int32) {
	e.pages += pages
	if pages > 0 {
		e.setUpdates(flagPages)
	}
}

// returnSurplus offers free pool pages back to any source currently in
// debt (balance below its donation), once the queue is empty and there is anything
// free to offer. State is updated whether or not the RETURN send
// succeeds, matching return_shared_pages (which does not roll back on
// a failed send either; an in-debt source that can't be reached has
// bigger problems than an inaccurate page count).
func (e *Engine) returnSurplus() {
	if len(e.queue) != 0 || e.pages <= 0 {
		return
	}
	for _, client := range e.registry.Order() {
		if !client.IsSource() || client.Balance >= client.Donation {
			continue
		}
		give := min32(e.pages, client.Donation-client.Balance)
		if give <= 0 {
			continue
		}
		if err := client.Send(wire.Message{ID: client.ID, Op: wire.Return, Param: give}); err != nil {
			glog.Warningf("client %d: surplus RETURN send failed: %v", client.ID, err)
		}
		e.pages -= give
		client.Balance += give
	}
}

// totalPages is the reply value for TOTAL: the live free pool plus the
// donation ceiling of every currently connected source. initialDonation
// (the broker's own startup contribution) is tracked separately and
// surfaced only in diagnostics, not folded into this sum; see
// DESIGN.md for why this departs from mbserver.c's get_total_pages,
// which sums the fixed startup baseline instead of the live pool.
func (e *Engine) totalPages() int32 {
	total := e.pages
	for _, c := range e.registry.Order() {
		total += c.Donation
	}
	return total
}
