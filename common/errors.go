// Package common provides shared logging and error classification utilities
// used across all remedy packages.
package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error into the remediation error taxonomy.
// The orchestrator decides retry vs. escalation based on the kind, and
// every error path emits exactly one audit entry carrying it.
type ErrorKind string

const (
	// KindInput marks an invalid signal or decision payload. Surfaced
	// synchronously to the caller, never retried.
	KindInput ErrorKind = "input_error"

	// KindState marks an illegal transition, unknown issue/action, or an
	// operation attempted at the wrong stage.
	KindState ErrorKind = "state_error"

	// KindDependency marks a bus, store, KV, analyzer, or executor failure.
	// Retryable with backoff for idempotent operations.
	KindDependency ErrorKind = "dependency_error"

	// KindIntegrity marks an audit-chain mismatch or an attempted mutation
	// of immutable data. Fatal to the affected issue.
	KindIntegrity ErrorKind = "integrity_violation"

	// KindRateLimited marks an action suppressed by the rate limiter.
	// Recorded as a non-failing outcome.
	KindRateLimited ErrorKind = "rate_limited"
)

// Error is the classified error type shared by all remedy components.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "store.SaveCheckpoint"
	Msg  string
	Err  error // wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewInputError creates an InputError for an invalid payload.
func NewInputError(op, msg string) *Error {
	return &Error{Kind: KindInput, Op: op, Msg: msg}
}

// NewStateError creates a StateError for an illegal transition or lookup.
func NewStateError(op, msg string) *Error {
	return &Error{Kind: KindState, Op: op, Msg: msg}
}

// NewDependencyError wraps a downstream failure.
func NewDependencyError(op, msg string, err error) *Error {
	return &Error{Kind: KindDependency, Op: op, Msg: msg, Err: err}
}

// NewIntegrityError creates an IntegrityError. Issues hit by one are frozen
// at their current stage and require human escalation.
func NewIntegrityError(op, msg string) *Error {
	return &Error{Kind: KindIntegrity, Op: op, Msg: msg}
}

// NewRateLimitedError marks an action suppressed by the limiter.
func NewRateLimitedError(op, msg string) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Msg: msg}
}

// Classify returns the ErrorKind for err. Unclassified errors are treated
// as dependency failures, the safest default for retry accounting.
func Classify(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDependency
}

// IsRetryable reports whether the orchestrator may retry the failed
// operation. Only dependency errors on idempotent operations qualify;
// the idempotence judgement belongs to the caller.
func IsRetryable(err error) bool {
	return Classify(err) == KindDependency
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return Classify(err) == kind
}
