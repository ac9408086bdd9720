package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates infrastructural failures. Expected command
// outcomes (non-zero exit, timeout) are never errors — they are carried
// inside ExecutionResult.
type ErrorKind string

// Error kinds.
const (
	// KindBackendUnavailable means the backend could not be reached or is
	// not installed. This is the only kind the manager falls back on.
	KindBackendUnavailable ErrorKind = "backend_unavailable"

	// KindInvalidPolicy means the merged isolation policy is malformed
	// (e.g. container type without an image).
	KindInvalidPolicy ErrorKind = "invalid_policy"

	// KindPoolExhausted means no pool slot became free within the wait
	// bound of the request.
	KindPoolExhausted ErrorKind = "pool_exhausted"

	// KindPoolClosed means the pool was shut down while the caller held or
	// awaited a container.
	KindPoolClosed ErrorKind = "pool_closed"

	// KindInternal covers all other infrastructural failures (I/O errors,
	// unexpected runtime responses).
	KindInternal ErrorKind = "internal"
)

// Error is the structured error returned across the package boundary.
// Backend-specific error types never leak: executors wrap every failure
// into an Error before returning.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds a kind-discriminated error for operation op.
func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// KindOf extracts the ErrorKind from err. Errors that did not originate in
// this package classify as KindInternal; nil classifies as "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsBackendUnavailable reports whether err is a fallback-eligible failure.
func IsBackendUnavailable(err error) bool {
	return KindOf(err) == KindBackendUnavailable
}
