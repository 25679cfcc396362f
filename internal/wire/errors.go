package wire

import "errors"

// Error is the wire-level error taxonomy of spec.md §7. Each carries a
// stable negative code so it can be folded into a signed reply
// parameter via BadPages, mirroring mb.h's MbError enum.
type Error struct {
	name string
	code int32
}

func (e *Error) Error() string { return e.name }

// Code returns the negative wire code for this error.
func (e *Error) Code() int32 { return e.code }

var (
	ErrOutOfMemory    = &Error{"out of memory", -1}
	ErrBadClientType  = &Error{"bad client type", -2}
	ErrIO             = &Error{"I/O error", -3}
	ErrBadID          = &Error{"bad id", -4}
	ErrBadCode        = &Error{"bad command code", -5}
	ErrBadParam       = &Error{"bad param", -6}
	lastErrorCode     = int32(-6)
)

// badPagesBase mirrors mb.h's MB_BAD_PAGES = (int32)0x80000000 - MB_LAST_ERROR_CODE.
const badPagesBase = int32(-(1 << 31)) - lastErrorCode

// BadPages folds an error into the single signed return value used by
// the synchronous client API: a page count and a negated error share
// the same int32, distinguished by living at or below badPagesBase.
// err.code is already negative, so this lands strictly below
// badPagesBase for every sentinel (down to INT32_MIN for the last one).
func BadPages(err *Error) int32 {
	return badPagesBase + err.code
}

// IsBadPages reports whether a raw reply parameter encodes an error
// via BadPages, and if so decodes it back to the original error code
// (one of the sentinels above, or nil if the code is unrecognized).
func IsBadPages(param int32) (*Error, bool) {
	if param > badPagesBase {
		return nil, false
	}
	code := param - badPagesBase
	for _, e := range []*Error{ErrOutOfMemory, ErrBadClientType, ErrIO, ErrBadID, ErrBadCode, ErrBadParam} {
		if e.code == code {
			return e, true
		}
	}
	return nil, true
}

// As allows errors.As(err, &wireErr) to recover the sentinel.
func (e *Error) As(target interface{}) bool {
	if t, ok := target.(**Error); ok {
		*t = e
		return true
	}
	return false
}

// Is supports errors.Is against the package sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other == e
	}
	return false
}
