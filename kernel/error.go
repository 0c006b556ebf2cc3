// Package kernel contains the types shared by every kernel subsystem.
package kernel

// ErrorKind classifies a kernel Error so that callers can tell an exhausted
// bookkeeping pool apart from a bad argument or a plain out-of-memory
// condition without comparing messages.
type ErrorKind uint8

const (
	// ErrKindUnknown is the zero kind used by errors that were not
	// classified.
	ErrKindUnknown ErrorKind = iota

	// ErrKindCapacityExceeded is reported when a fixed-size bookkeeping
	// pool (region records, arena table) is full. The failing call does
	// not mutate any state.
	ErrKindCapacityExceeded

	// ErrKindInvalidArgument is reported for misaligned or out-of-range
	// addresses and orders.
	ErrKindInvalidArgument

	// ErrKindOutOfMemory is the expected failure under memory pressure.
	ErrKindOutOfMemory
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindCapacityExceeded:
		return "capacity exceeded"
	case ErrKindInvalidArgument:
		return "invalid argument"
	case ErrKindOutOfMemory:
		return "out of memory"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so they can be compared
// by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The error classification.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether err is a non-nil kernel error of the given kind.
func Is(err *Error, kind ErrorKind) bool {
	return err != nil && err.Kind == kind
}
