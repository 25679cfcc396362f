package broker

import "fmt"

// Registry holds every connected client, translated from mbserver.c's
// singly linked client list plus its linear get_client_by_id/
// get_client_by_fd scans. Go gives us maps for the O(1) lookups the C
// code did by walking the list; the ordered slice is kept because the
// matching pass's candidate order (sources walked before sinks) is
// observable in which donor gets solicited first.
type Registry struct {
	order  []*Client
	byID   map[int32]*Client
	byConn map[Sender]*Client
}

func newRegistry() *Registry {
	return &Registry{
		byID:   make(map[int32]*Client),
		byConn: make(map[Sender]*Client),
	}
}

// Lookup finds a client by wire id.
func (r *Registry) Lookup(id int32) (*Client, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// ByConn finds the client owning a given connection, used when a
// connection closes without an explicit TERMINATE.
func (r *Registry) ByConn(conn Sender) (*Client, bool) {
	c, ok := r.byConn[conn]
	return c, ok
}

// Register creates and inserts a new client. Sources are inserted at
// the head of the candidate order so the matching pass prefers polling
// them before plain bidi sinks-that-can-receive; mbserver.c achieves
// the same effect by prepending new source clients to its list head in
// create_client.
func (r *Registry) Register(id int32, conn Sender, pid int32, cmdline string, bidi bool, donation int32) (*Client, error) {
	if _, exists := r.byID[id]; exists {
		return nil, fmt.Errorf("client id %d already registered", id)
	}
	if donation > 0 {
		// Sources are always bidi, regardless of what the REGISTER
		// param's flag bit claimed; see SPEC_FULL.md's data model.
		bidi = true
	}
	c := &Client{
		ID:       id,
		Pid:      pid,
		Cmdline:  cmdline,
		Sender:   conn,
		Donation: donation,
		// Balance starts at the donation ceiling: a freshly registered
		// source holds exactly what it has promised, nothing more or
		// less, until traffic moves pages in or out.
		Balance: donation,
		Bidi:    bidi,
	}
	r.byID[id] = c
	r.byConn[conn] = c
	if donation > 0 {
		r.order = append([]*Client{c}, r.order...)
	} else {
		r.order = append(r.order, c)
	}
	return c, nil
}

// Remove drops a client from the registry. It does not touch queued
// requests or server page accounting; the engine's disconnect handles
// that cross-cutting cleanup before calling Remove.
func (r *Registry) Remove(c *Client) {
	delete(r.byID, c.ID)
	delete(r.byConn, c.Sender)
	for i, o := range r.order {
		if o == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Order returns the current candidate order (sources first). Callers
// must not mutate the returned slice.
func (r *Registry) Order() []*Client { return r.order }

// Len reports how many clients are registered.
func (r *Registry) Len() int { return len(r.order) }
