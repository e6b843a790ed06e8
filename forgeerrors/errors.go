// Package forgeerrors provides the structured error taxonomy shared across the
// scheduler, router, sandbox, and artifact store. Errors preserve a causal chain
// via Cause so errors.Is/As keep working across retries and component boundaries.
package forgeerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for recovery-policy purposes.
type Kind string

const (
	KindRateLimited       Kind = "rate-limited"
	KindSafetyBlock       Kind = "safety-block"
	KindTransientProvider Kind = "transient-provider"
	KindNoKeyAvailable    Kind = "no-key-available"
	KindTimeout           Kind = "timeout"
	KindTestFailed        Kind = "test-failed"
	KindStaticFailed      Kind = "static-failed"
	KindSchemaInvalid     Kind = "schema-invalid"
	KindSandboxError      Kind = "sandbox-error"
	KindSecretDetected    Kind = "secret-detected"
	KindDependencyCycle   Kind = "dependency-cycle"
	KindInvalidGraph      Kind = "invalid-graph"
	KindNonRecoverable    Kind = "non-recoverable"
	KindExhausted         Kind = "exhausted"
)

// Error is the structured error carried through the system. CorrelationID and
// TaskID are propagated so every escaped error can be traced back to the
// originating request without re-deriving it at each layer.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	TaskID        string
	Cause         *Error
}

// New constructs an Error of the given kind with a plain message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Newf formats a message and constructs an Error of the given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithCorrelation returns a copy of e stamped with the given correlation and task IDs.
func (e *Error) WithCorrelation(correlationID, taskID string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.CorrelationID = correlationID
	cp.TaskID = taskID
	return &cp
}

// NewWithCause constructs an Error of the given kind that wraps an underlying error.
func NewWithCause(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into an *Error chain, defaulting to
// KindNonRecoverable when the error carries no structured kind of its own.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindNonRecoverable, Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.CorrelationID != "" {
		return fmt.Sprintf("[%s] %s (correlation=%s task=%s)", e.Kind, e.Message, e.CorrelationID, e.TaskID)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/As against the causal chain.
func (e *Error) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is allows errors.Is(err, forgeerrors.New(KindTimeout, "")) to match by Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}
