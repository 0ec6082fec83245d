// Package errors provides the unified error taxonomy shared by every layer of
// the coordinator. All failures that cross a package boundary are classified
// into a small set of kinds so that callers decide behavior (retry, fallback,
// compensate, reject) from the kind alone, never by string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// ERROR KINDS AND CLASSIFICATION
// ============================================================================

// Kind is the category of a failure. The taxonomy is flat and closed:
// adapters translate their native driver errors into exactly one kind.
type Kind string

const (
	// Transport and availability
	KindTransientTransport Kind = "TRANSIENT_TRANSPORT" // connection reset, 5xx, broken pipe
	KindStoreUnavailable   Kind = "STORE_UNAVAILABLE"   // health check failing, circuit open
	KindTimeout            Kind = "TIMEOUT"             // per-operation budget exceeded
	KindCancelled          Kind = "CANCELLED"           // context cancelled by caller or shutdown

	// Request classification
	KindBadRequest Kind = "BAD_REQUEST" // malformed payload, schema mismatch; never retried
	KindNotFound   Kind = "NOT_FOUND"   // referenced record absent
	KindConflict   Kind = "CONFLICT"    // duplicate key or revision mismatch

	// Relation validation
	KindUnknownRelation   Kind = "UNKNOWN_RELATION"   // relation type not in the definitions registry
	KindInvalidProperties Kind = "INVALID_PROPERTIES" // relation properties failed validation

	// Orchestration
	KindInvalidTransaction Kind = "INVALID_TRANSACTION" // malformed step graph (cycle, unknown dependency)
	KindCompensationFailed Kind = "COMPENSATION_FAILED" // rollback exhausted its retries

	// Terminal
	KindUnrecoverableUnavailability Kind = "UNRECOVERABLE_UNAVAILABILITY" // no store in a fallback chain reachable
	KindInternal                    Kind = "INTERNAL"                     // bug or unclassified failure
)

// Severity drives log level selection and alerting thresholds.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityOf maps each kind to its default severity.
func severityOf(kind Kind) Severity {
	switch kind {
	case KindTransientTransport, KindNotFound, KindConflict:
		return SeverityLow
	case KindBadRequest, KindUnknownRelation, KindInvalidProperties, KindCancelled:
		return SeverityMedium
	case KindStoreUnavailable, KindTimeout, KindInvalidTransaction:
		return SeverityHigh
	case KindCompensationFailed, KindUnrecoverableUnavailability, KindInternal:
		return SeverityCritical
	}
	return SeverityMedium
}

// retryableOf reports whether operations failing with this kind may be
// retried at the layer that raised them. Timeouts are budget exhaustion,
// not flakiness, so they propagate instead of retrying.
func retryableOf(kind Kind) bool {
	return kind == KindTransientTransport
}

// ============================================================================
// ERROR STRUCTURE
// ============================================================================

// Error is the single error type exchanged between layers. The Store and Op
// fields locate the failure; Issues carries itemized validation findings for
// INVALID_PROPERTIES and INVALID_TRANSACTION.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	Store string `json:"store,omitempty"` // store kind that raised the error, if any
	Op    string `json:"op,omitempty"`    // operation in flight, e.g. "write_batch"

	Issues     []string      `json:"issues,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Severity   Severity      `json:"severity"`

	cause error
}

// New constructs an Error of the given kind with defaults derived from it.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryableOf(kind),
		Severity:  severityOf(kind),
	}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies an underlying error. A nil cause yields nil. If the cause
// is already an *Error it is re-kinded only when the new kind is more
// specific than INTERNAL.
func Wrap(cause error, kind Kind, message string) *Error {
	if cause == nil {
		return nil
	}
	var inner *Error
	if errors.As(cause, &inner) && kind == KindInternal {
		kind = inner.Kind
	}
	e := New(kind, message)
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)
	if e.Store != "" {
		fmt.Fprintf(&b, " %s", e.Store)
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " %s", e.Op)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if len(e.Issues) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Issues, "; "))
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithStore annotates the error with the store kind that raised it.
func (e *Error) WithStore(store string) *Error {
	e.Store = store
	return e
}

// WithOp annotates the error with the operation in flight.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithIssues attaches itemized findings, one per violated constraint.
func (e *Error) WithIssues(issues ...string) *Error {
	e.Issues = append(e.Issues, issues...)
	return e
}

// WithRetryAfter suggests a delay before the next attempt.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// ============================================================================
// CONSTRUCTORS
// ============================================================================

// TransientTransport reports a transport-level failure that a retry with
// backoff may clear.
func TransientTransport(store, op string, cause error) *Error {
	return New(KindTransientTransport, "transport failure").WithStore(store).WithOp(op).WithCause(cause)
}

// BadRequest reports a payload the target store rejected as malformed.
func BadRequest(message string) *Error {
	return New(KindBadRequest, message)
}

// NotFound reports an absent record where presence was required.
func NotFound(resource, id string) *Error {
	return Newf(KindNotFound, "%s %q not found", resource, id)
}

// Conflict reports a duplicate key or revision mismatch.
func Conflict(resource, id string) *Error {
	return Newf(KindConflict, "%s %q already exists or was concurrently modified", resource, id)
}

// StoreUnavailable reports a store whose health check is failing.
func StoreUnavailable(store string) *Error {
	return Newf(KindStoreUnavailable, "store %s is unavailable", store).WithStore(store)
}

// UnknownRelation reports a relation type missing from the registry.
func UnknownRelation(relationType string) *Error {
	return Newf(KindUnknownRelation, "relation type %q is not defined", relationType)
}

// InvalidProperties reports relation property validation failures with one
// issue per violated constraint.
func InvalidProperties(relationType string, issues []string) *Error {
	return Newf(KindInvalidProperties, "relation %q has invalid properties", relationType).WithIssues(issues...)
}

// InvalidTransaction reports a structurally unsound step graph.
func InvalidTransaction(message string) *Error {
	return New(KindInvalidTransaction, message)
}

// CompensationFailed reports a rollback action that exhausted its retries.
// Its cause is the last compensation error.
func CompensationFailed(store, step string, cause error) *Error {
	return Newf(KindCompensationFailed, "compensation for step %q did not complete", step).
		WithStore(store).WithCause(cause)
}

// Timeout reports a per-operation deadline that elapsed.
func Timeout(op string, budget time.Duration) *Error {
	return Newf(KindTimeout, "%s exceeded budget of %s", op, budget).WithOp(op)
}

// Cancelled reports caller- or shutdown-driven cancellation.
func Cancelled(op string) *Error {
	return Newf(KindCancelled, "%s cancelled", op).WithOp(op)
}

// Unrecoverable reports that a critical distribution target and every
// fallback in its chain were unreachable.
func Unrecoverable(category string) *Error {
	return Newf(KindUnrecoverableUnavailability, "no reachable store for critical category %q", category)
}

// Internal reports an unclassified failure.
func Internal(message string, cause error) *Error {
	return New(KindInternal, message).WithCause(cause)
}
