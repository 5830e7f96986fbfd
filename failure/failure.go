// Package failure classifies the protocol's rejection errors so transports can
// map them without knowing every sentinel.
package failure

import "errors"

// Kind groups rejections by the reason a call was refused.
type Kind int

const (
	// Validation covers malformed or disallowed arguments.
	Validation Kind = iota + 1
	// Authorization covers a wrong caller for the action.
	Authorization
	// StateGuard covers actions attempted in the wrong lifecycle state.
	StateGuard
	// EconomicGuard covers insufficient value supplied or available.
	EconomicGuard
	// External covers a failed collaborator check.
	External
	// Unavailable covers a protocol-wide halt such as the pause switch.
	Unavailable
	// NotFound covers unknown records.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authorization:
		return "authorization"
	case StateGuard:
		return "state_guard"
	case EconomicGuard:
		return "economic_guard"
	case External:
		return "external"
	case Unavailable:
		return "unavailable"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified sentinel. Compare with errors.Is against the
// package-level values that construct it.
type Error struct {
	kind Kind
	msg  string
}

// New builds a classified sentinel error.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind reports the rejection class.
func (e *Error) Kind() Kind { return e.kind }

// KindOf unwraps err looking for a classified sentinel.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind, true
	}
	return 0, false
}
