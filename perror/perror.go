// Package perror defines the error taxonomy shared by every write-path
// package in this module (nativeheap, section, patch, directory,
// layout). The teacher centralizes its parse-time sentinel errors as
// package-level vars wrapped with errors.New; this package follows the
// same instinct but types the kinds so callers can branch on Kind()
// instead of comparing against a growing set of sentinels.
package perror

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a core error per spec section 7.
type Kind int

const (
	// InvalidFormat: bytes violate a PE/COFF invariant during parse.
	InvalidFormat Kind = iota
	// OutOfBounds: a stream read or RVA resolution falls outside any
	// section or past a section's virtual size.
	OutOfBounds
	// Unallocated: an operation targets an allocation handle whose
	// host section is gone or was never assigned.
	Unallocated
	// Overlap: a placed-memory request collides with a live
	// allocation.
	Overlap
	// RuntimeCorruption: an internal invariant broke. Fatal.
	RuntimeCorruption
	// OsResource: the OS refused a virtual-memory reservation.
	OsResource
)

func (k Kind) String() string {
	switch k {
	case InvalidFormat:
		return "InvalidFormat"
	case OutOfBounds:
		return "OutOfBounds"
	case Unallocated:
		return "Unallocated"
	case Overlap:
		return "Overlap"
	case RuntimeCorruption:
		return "RuntimeCorruption"
	case OsResource:
		return "OsResource"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by recoverable failures
// across this module.
type Error struct {
	Kind    Kind
	Op      string
	Context map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	for k, v := range e.Context {
		msg += fmt.Sprintf(" %s=%v", k, v)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New builds a recoverable *Error of the given kind.
func New(kind Kind, op string, ctx map[string]interface{}) *Error {
	return &Error{Kind: kind, Op: op, Context: ctx, cause: errors.New(op)}
}

// Wrap builds a recoverable *Error that carries a stack-trace-bearing
// cause, for development builds where the originating frame matters.
func Wrap(kind Kind, op string, cause error, ctx map[string]interface{}) *Error {
	return &Error{Kind: kind, Op: op, Context: ctx, cause: errors.Wrap(cause, op)}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Fatal panics with a RuntimeCorruption error. Structural invariant
// violations in the native heap or the section free-list are not
// recoverable: corruption there implies memory-safety loss, so the
// process aborts rather than returning an error the caller might
// ignore.
func Fatal(op string, ctx map[string]interface{}) {
	panic(New(RuntimeCorruption, op, ctx))
}
