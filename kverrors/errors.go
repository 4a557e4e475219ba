// Package kverrors defines the closed set of failure kinds that the
// kvlayer facade may surface, per spec section 7 (Error Handling Design).
package kverrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the closed set of failure kinds the facade can surface.
type Kind int

const (
	// BadConfig means an invalid identifier or a missing/malformed
	// required configuration setting.
	BadConfig Kind = iota
	// BadKey means a key's tuple arity or field type did not match its
	// table's key spec.
	BadKey
	// UnknownTable means an operation named a table not declared via
	// SetupNamespace.
	UnknownTable
	// ValueTooLarge means a value exceeded the backend's size cap.
	ValueTooLarge
	// Connectivity means the backend could not be reached; the caller
	// may retry.
	Connectivity
	// BackendError means the backend returned a fatal error; the
	// connection has been detached and will reconnect on next use.
	BackendError
	// ClosedClient means the client has been closed and can no longer
	// perform operations.
	ClosedClient
	// NotFound is only ever surfaced as a per-key sentinel from Get,
	// never as a failure of a whole call.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case BadConfig:
		return "BadConfig"
	case BadKey:
		return "BadKey"
	case UnknownTable:
		return "UnknownTable"
	case ValueTooLarge:
		return "ValueTooLarge"
	case Connectivity:
		return "Connectivity"
	case BackendError:
		return "BackendError"
	case ClosedClient:
		return "ClosedClient"
	case NotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across the facade boundary.
// It carries a Kind from the closed taxonomy plus, where applicable, a
// causal chain preserved via github.com/pkg/errors so that logs retain
// the full stack while callers can still switch on Kind.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("kvlayer: %s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("kvlayer: %s: %s", e.kind, e.msg)
}

// Unwrap lets errors.Is/errors.As see through to the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error kind.
func (e *Error) Kind() Kind { return e.kind }

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind, preserving cause as the
// underlying error (with its stack trace, via pkg/errors).
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		kind:  kind,
		msg:   fmt.Sprintf(format, args...),
		cause: errors.WithStack(cause),
	}
}

// KindOf extracts the Kind of err if it is (or wraps) a *kverrors.Error,
// and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var kvErr *Error
	if errors.As(err, &kvErr) {
		return kvErr.kind, true
	}
	return 0, false
}

// Is reports whether err is a *kverrors.Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
