package broker

import (
	"fmt"
	"strings"

	"go.fuchsia.dev/membroker/internal/wire"
)

// ClientSnapshot is a point-in-time, read-only view of one client,
// rendered by the debug socket. Field names mirror dump_status's
// output columns.
type ClientSnapshot struct {
	ID       int32
	Pid      int32
	Cmdline  string
	Donation int32
	Balance  int32
	Bidi     bool
	Solicit  Solicitation
	Pending  bool // has an ActiveRequest
}

// RequestSnapshot is a point-in-time view of one queued request.
type RequestSnapshot struct {
	RequesterID int32
	Type        wire.Opcode
	Needed      int32
	Acquired    int32
	DonorID     int32 // 0 if no donor currently in flight
}

// Snapshot is the full diagnostic dump served over the debug socket,
// grounded on mbserver.c's dump_status. Engine.Snapshot builds one
// synchronously on the engine goroutine so it can never observe a
// mid-transaction state, satisfying the "diagnostics must not race the
// engine" requirement.
type Snapshot struct {
	FreePages       int32
	InitialDonation int32
	TotalPages      int32
	Clients         []ClientSnapshot
	Queue           []RequestSnapshot
}

// Snapshot captures the engine's current state. Must be called from
// the same goroutine that drives HandleMessage/Disconnect.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		FreePages:       e.pages,
		InitialDonation: e.initialDonation,
		TotalPages:      e.totalPages(),
	}
	for _, c := range e.registry.Order() {
		s.Clients = append(s.Clients, ClientSnapshot{
			ID:       c.ID,
			Pid:      c.Pid,
			Cmdline:  c.Cmdline,
			Donation: c.Donation,
			Balance:  c.Balance,
			Bidi:     c.Bidi,
			Solicit:  c.Solicit,
			Pending:  c.ActiveRequest != nil,
		})
	}
	for _, r := range e.queue {
		rs := RequestSnapshot{
			RequesterID: r.Requester.ID,
			Type:        r.Type,
			Needed:      r.Needed,
			Acquired:    r.Acquired,
		}
		if r.InFlightDonor != nil {
			rs.DonorID = r.InFlightDonor.ID
		}
		s.Queue = append(s.Queue, rs)
	}
	return s
}

// String renders the snapshot as the plain-text table mbdump and
// STATUS logging expect.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "server pages = %d of %d; total pages = %d\n", s.FreePages, s.InitialDonation, s.TotalPages)
	for _, c := range s.Clients {
		role := "sink"
		switch {
		case c.Donation > 0:
			role = "source"
		case c.Bidi:
			role = "bidi"
		}
		fmt.Fprintf(&b, "  client %d (%s, pid %d, %q): donation=%d balance=%d solicit=%s/%s(%d) pending=%v\n",
			c.ID, role, c.Pid, c.Cmdline, c.Donation, c.Balance, c.Solicit.State, c.Solicit.Type, c.Solicit.Pages, c.Pending)
	}
	for _, r := range s.Queue {
		fmt.Fprintf(&b, "  request %s by client %d: needed=%d acquired=%d donor=%d\n",
			r.Type, r.RequesterID, r.Needed, r.Acquired, r.DonorID)
	}
	return b.String()
}
