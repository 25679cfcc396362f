package broker

import "go.fuchsia.dev/membroker/internal/wire"

// Sender is the narrow interface the engine needs to talk back to a
// connected client. internal/transport's connection type implements
// it; tests can supply a fake.
type Sender interface {
	Send(wire.Message) error
}

// Client is a connected participant: a source (Donation > 0), a sink
// (neither donor nor bidi), or a bidi that both receives grants and
// can be solicited for pages. See spec's data model for the field
// semantics; this is a direct translation of mbserver.c's `struct
// client`, with the pointer back-reference to an owning Request kept
// (not a violation of ownership: the engine's disconnect handling
// scrubs the client from every queued request before Registry.Remove,
// so it never dangles) and the sign-encoded solicitation
// state replaced by the explicit Solicitation tagged union.
type Client struct {
	ID      int32
	Pid     int32
	Cmdline string

	Sender Sender

	// Donation is the non-negative ceiling this client has offered to
	// donate; zero for a pure sink.
	Donation int32
	// Balance is donation + pages granted by the broker - pages the
	// broker has borrowed back from this client. It starts equal to
	// Donation at registration, not zero: Donation is a ceiling folded
	// into the running total, not a separate deposit.
	Balance int32
	// Bidi clients can receive unsolicited broker messages
	// (solicitations, RETURN). Sources are always bidi.
	Bidi bool

	ActiveRequest *Request
	Solicit       Solicitation
}

// IsSource reports whether this client has advertised a donation.
func (c *Client) IsSource() bool { return c.Donation > 0 }

// IsSink reports whether this client is neither a source nor bidi.
func (c *Client) IsSink() bool { return !c.Bidi }

// Send relays a message to the client's connection. A nil Sender
// (possible only in tests) reports ErrIO.
func (c *Client) Send(m wire.Message) error {
	if c.Sender == nil {
		return wire.ErrIO
	}
	return c.Sender.Send(m)
}
