package broker

import "go.fuchsia.dev/membroker/internal/wire"

// SolicitState is the explicit tagged-union replacement for
// mbserver.c's sign-encoded share_type/needed_pages pair (see
// SPEC_FULL.md's Design Notes): a client's solicitation is either
// Idle, accumulating demand from the current matching pass (Pending),
// or already sent and awaiting a SHARE/DENY reply (Outstanding).
type SolicitState int

const (
	Idle SolicitState = iota
	Pending
	Outstanding
)

func (s SolicitState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Outstanding:
		return "outstanding"
	default:
		return "unknown"
	}
}

// Solicitation tracks what, if anything, the engine is asking a given
// client to donate. Pages is always non-negative; its meaning is
// State-dependent (accumulating demand while Pending, the amount
// already sent to the client while Outstanding, meaningless when Idle).
type Solicitation struct {
	State SolicitState
	Type  wire.Opcode // Request or Reserve
	Pages int32
}
