package broker

import "go.fuchsia.dev/membroker/internal/wire"

// Request is an in-flight page request queued by a client, translated
// from mbserver.c's `struct request`. Polled replaces the original's
// implicit "have we asked this donor" bookkeeping (there it lived as a
// side effect of walking the client list in id order) with an explicit
// map, since Go gives no cheap ordinal index into a linked list.
type Request struct {
	Requester *Client
	Type      wire.Opcode // Request or Reserve

	Needed   int32
	Acquired int32

	// InFlightDonor is the client currently being solicited on this
	// request's behalf, or nil if no solicitation is in flight.
	InFlightDonor *Client

	// Polled records, per candidate donor, the opcode type the last
	// solicitation addressed to it used. A donor is only skipped as a
	// repeat candidate when it was polled for the same type the
	// request currently wants.
	Polled map[*Client]wire.Opcode

	Complete bool
}

func newRequest(requester *Client, op wire.Opcode, pages int32) *Request {
	return &Request{
		Requester: requester,
		Type:      op,
		Needed:    pages,
		Polled:    make(map[*Client]wire.Opcode),
	}
}
