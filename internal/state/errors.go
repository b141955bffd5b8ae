package state

import "fmt"

// ErrorKind classifies a rejected intent or failed operation per the core's
// error handling design. Canonical state is never partially mutated by any
// of these: the reducer either produces a valid successor state or returns
// one of these kinds with the prior state untouched.
type ErrorKind int

const (
	// MalformedIntent is a rejected verb or argument set; no state change.
	MalformedIntent ErrorKind = iota
	// InvariantViolation is an intent that would break a data-model invariant.
	InvariantViolation
	// CommitFailure is a persistence transaction that was refused.
	CommitFailure
	// EngineFailure is a content-view creation or navigation failure.
	EngineFailure
	// ResyncNeeded signals the chrome's current_revision is stale or unknown.
	ResyncNeeded
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedIntent:
		return "MalformedIntent"
	case InvariantViolation:
		return "InvariantViolation"
	case CommitFailure:
		return "CommitFailure"
	case EngineFailure:
		return "EngineFailure"
	case ResyncNeeded:
		return "ResyncNeeded"
	default:
		return "Unknown"
	}
}

// Error wraps an ErrorKind with a human-readable message. Callers use
// errors.As to recover the Kind and branch on it (e.g. the bridge reports
// MalformedIntent/InvariantViolation as response text without tearing down
// the connection).
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Newf builds an *Error of the given kind.
func Newf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an underlying error.
func Wrap(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
