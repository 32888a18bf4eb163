// Package syncerr defines the error taxonomy shared by the sync server and
// client engine. Every failure that crosses the server's HTTP boundary, or
// the client engine's public API, carries one of these kinds plus a stable
// code.
package syncerr

import "fmt"

// Kind is the coarse error taxonomy used across the sync boundary. It is
// not a Go error type on its own; it classifies one.
type Kind string

const (
	// KindValidation covers malformed inputs, bad UUIDv7, out-of-range
	// sequence numbers. Maps to HTTP 400.
	KindValidation Kind = "validation"
	// KindAuth covers missing/expired session (401) or forbidden access
	// to a store (403).
	KindAuth Kind = "auth"
	// KindConflict covers server_ahead, server_behind, stale_scope_state,
	// stale_grant, missing_deps, and hash-chain violations. Maps to 409.
	KindConflict Kind = "conflict"
	// KindProtocol covers invariant breaches detected at the boundary
	// (hasMore=true with nextSince=null, record.id != eventId). Fatal,
	// never retried with the same input.
	KindProtocol Kind = "protocol"
	// KindTransport covers timeouts and broken connections. Retried with
	// exponential backoff by the client engine.
	KindTransport Kind = "transport"
	// KindInternal covers database deadlocks and storage failures.
	KindInternal Kind = "internal"
)

// Error is the typed error carried across the sync server/client boundary.
type Error struct {
	Kind Kind
	// Code is a stable machine-readable string, e.g. "server_ahead",
	// "stale_scope_state", "missing_deps", "head_mismatch".
	Code string
	// Message is a human-readable detail, never parsed by callers.
	Message string
	// Retryable indicates whether the client engine should retry this
	// failure with backoff rather than surfacing it as fatal.
	Retryable bool
	// Wrapped is the underlying cause, if any.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s/%s", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs a non-retryable Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs an Error with an underlying cause.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: err.Error(), Wrapped: err}
}

// Retryable constructs a retryable transport/internal error.
func Retryable(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: err.Error(), Wrapped: err, Retryable: true}
}

// HeadMismatch is returned by the event store and sharing ledger appenders
// when the caller's expectedHead does not match the current persisted
// head.
type HeadMismatch struct {
	Current  int64
	Expected int64
}

func (e *HeadMismatch) Error() string {
	return fmt.Sprintf("head mismatch: current=%d expected=%d", e.Current, e.Expected)
}

// HashChainViolation is returned by the sharing ledger appenders when the
// caller's prevHash does not byte-equal the current head's ref.
type HashChainViolation struct {
	Reason string
}

func (e *HashChainViolation) Error() string {
	return "hash chain violation: " + e.Reason
}

// AccessDenied is returned by the Ownership Enforcer when a store already
// has a different owner, or by an Access Policy hook that refuses a
// request.
type AccessDenied struct {
	Reason string
}

func (e *AccessDenied) Error() string {
	return "access denied: " + e.Reason
}
