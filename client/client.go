// Package client is membroker's client library: a thin wrapper around
// the wire protocol for programs that want to request, reserve, and
// return pages, translated from mbclient.c.
//
// Non-bidi clients (registered via Register) get synchronous
// convenience methods (RequestPages, ReservePages, QueryServer, ...)
// that send one message and block for its reply. Bidi clients
// (RegisterSource always is one; Register(id, true) also can be) must
// instead pump their own receive loop with Send/Receive, since the
// broker can write to a bidi connection at any time (a solicitation, a
// surplus RETURN) and a blocking synchronous call would desync that
// stream — mirroring remote_page_request's own refusal to run on a
// bidi handle.
package client

import (
	"fmt"
	"net"
	"sync"

	"go.fuchsia.dev/membroker/internal/transport"
	"go.fuchsia.dev/membroker/internal/wire"
)

// Client is a single registered connection to the broker.
type Client struct {
	id       int32
	bidi     bool
	donation int32

	mu      sync.Mutex
	conn    net.Conn
	balance int32
}

func dial(id int32, bidi bool, donation int32) (*Client, error) {
	conn, err := net.Dial("unix", transport.SocketPath(transport.ClientSocketName))
	if err != nil {
		return nil, fmt.Errorf("client: connecting to broker: %w", err)
	}
	c := &Client{id: id, bidi: bidi, donation: donation, conn: conn}
	param := wire.RegisterParam(bidi, donation)
	if err := wire.Encode(conn, wire.Message{ID: id, Op: wire.Register, Param: param}); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Register connects and registers as a plain client: a sink if bidi is
// false, or a bidi client with no donation if true.
func Register(id int32, bidi bool) (*Client, error) {
	return dial(id, bidi, 0)
}

// RegisterSource connects and registers as a source offering up to
// pages for the broker to solicit; sources are always bidi.
func RegisterSource(id int32, pages int32) (*Client, error) {
	if pages < 0 {
		pages = 0
	}
	return dial(id, true, pages)
}

// ID returns the wire id this client registered under.
func (c *Client) ID() int32 { return c.id }

// IsBidi reports whether this client can receive unsolicited broker
// messages and therefore must drive Send/Receive itself rather than
// the synchronous convenience methods.
func (c *Client) IsBidi() bool { return c.bidi }

// Conn exposes the underlying connection for a bidi client's own
// receive loop. It returns nil for a non-bidi client, mirroring
// mb_client_fd's refusal.
func (c *Client) Conn() net.Conn {
	if !c.bidi {
		return nil
	}
	return c.conn
}

func (c *Client) requestOrReserve(op wire.Opcode, pages int32) (int32, error) {
	if c.bidi {
		return 0, fmt.Errorf("client %d: %s is not available on a bidi client; drive Send/Receive directly", c.id, op)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.Encode(c.conn, wire.Message{ID: c.id, Op: op, Param: pages}); err != nil {
		return 0, err
	}
	param, err := wire.DecodeResponse(c.conn, c.id, wire.Share)
	if err != nil {
		return 0, err
	}
	if wireErr, bad := wire.IsBadPages(param); bad {
		if wireErr != nil {
			return 0, wireErr
		}
		return 0, wire.ErrBadParam
	}
	c.balance += param
	return param, nil
}

// RequestPages asks for up to pages, best-effort: it may return fewer
// than asked, including zero.
func (c *Client) RequestPages(pages int32) (int32, error) {
	return c.requestOrReserve(wire.Request, pages)
}

// ReservePages asks for exactly pages, all-or-nothing: a partial match
// is released back to the pool and this returns zero.
func (c *Client) ReservePages(pages int32) (int32, error) {
	return c.requestOrReserve(wire.Reserve, pages)
}

// ReturnPages gives back up to pages, capped at what this client
// actually holds (mirrors mb_client_return_pages's own capping, which
// is what keeps a well-behaved caller from ever tripping the broker's
// fatal over-return check).
func (c *Client) ReturnPages(pages int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pages > c.balance {
		pages = c.balance
	}
	if pages <= 0 {
		return nil
	}
	if err := wire.Encode(c.conn, wire.Message{ID: c.id, Op: wire.Return, Param: pages}); err != nil {
		return err
	}
	c.balance -= pages
	return nil
}

// Status asks the broker to log its current state; fire-and-forget.
func (c *Client) Status() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.Encode(c.conn, wire.Message{ID: c.id, Op: wire.Status})
}

// QueryServer returns the broker's current free pool size.
func (c *Client) QueryServer() (int32, error) {
	if c.bidi {
		return 0, fmt.Errorf("client %d: QUERY is not available on a bidi client; drive Send/Receive directly", c.id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.Encode(c.conn, wire.Message{ID: c.id, Op: wire.Query}); err != nil {
		return 0, err
	}
	return wire.DecodeResponse(c.conn, c.id, wire.Query)
}

// QueryTotal returns the broker's free pool plus every connected
// source's donation.
func (c *Client) QueryTotal() (int32, error) {
	if c.bidi {
		return 0, fmt.Errorf("client %d: TOTAL is not available on a bidi client; drive Send/Receive directly", c.id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.Encode(c.conn, wire.Message{ID: c.id, Op: wire.Total}); err != nil {
		return 0, err
	}
	return wire.DecodeResponse(c.conn, c.id, wire.Total)
}

// Query returns this client's own locally tracked balance, with no
// round trip to the broker.
func (c *Client) Query() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

// Send writes a raw message for a bidi client driving its own
// protocol loop, mirroring mb_client_send (which locally debits the
// balance on RETURN/SHARE the same way this does).
func (c *Client) Send(op wire.Opcode, param int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.Encode(c.conn, wire.Message{ID: c.id, Op: op, Param: param}); err != nil {
		return err
	}
	if op == wire.Return || op == wire.Share {
		c.balance -= param
	}
	return nil
}

// Receive reads one raw message, validating it is addressed to this
// client, for a bidi client driving its own protocol loop.
func (c *Client) Receive() (wire.Message, error) {
	m, err := wire.Decode(c.conn)
	if err != nil {
		return wire.Message{}, err
	}
	if m.ID != c.id {
		return wire.Message{}, wire.ErrBadID
	}
	return m, nil
}

// Terminate sends TERMINATE, waits for the broker's acknowledgment,
// and closes the connection.
func (c *Client) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.Encode(c.conn, wire.Message{ID: c.id, Op: wire.Terminate}); err != nil {
		c.conn.Close()
		return err
	}
	for {
		m, err := wire.Decode(c.conn)
		if err != nil {
			break
		}
		if m.Op == wire.Terminate {
			break
		}
	}
	return c.conn.Close()
}
