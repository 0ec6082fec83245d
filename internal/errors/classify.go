package errors

import (
	"context"
	"errors"
	"net/http"
)

// KindOf extracts the kind from any error. Context errors map to their
// coordinator kinds; everything unclassified is INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the operation that produced err may be retried
// at the layer that observed it.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsTerminal reports whether err ends the enclosing distribution outright,
// with no retry and no fallback.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindUnrecoverableUnavailability, KindCompensationFailed, KindInvalidTransaction:
		return true
	}
	return false
}

// FromContext translates a context error observed during op. A live context
// yields nil.
func FromContext(ctx context.Context, op string) *Error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return New(KindTimeout, op + " deadline exceeded").WithOp(op)
	case errors.Is(ctx.Err(), context.Canceled):
		return Cancelled(op)
	}
	return nil
}

// IssuesOf extracts itemized validation findings from err, or nil when the
// error carries none.
func IssuesOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Issues
	}
	return nil
}

// HTTPStatus maps a kind to the response status the API surface emits.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindBadRequest, KindUnknownRelation, KindInvalidProperties, KindInvalidTransaction:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499 // client closed request
	case KindStoreUnavailable, KindTransientTransport, KindUnrecoverableUnavailability:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// First returns the first non-nil error, or nil.
func First(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// WorstKind returns the most severe kind among errs, preferring terminal
// kinds over transient ones. Used to summarize partial distribution outcomes.
func WorstKind(errs []error) Kind {
	rank := func(k Kind) int {
		switch k {
		case KindCompensationFailed:
			return 6
		case KindUnrecoverableUnavailability:
			return 5
		case KindInvalidTransaction:
			return 4
		case KindStoreUnavailable, KindTimeout:
			return 3
		case KindBadRequest, KindInvalidProperties, KindUnknownRelation:
			return 2
		case KindTransientTransport, KindConflict, KindCancelled:
			return 1
		}
		return 0
	}
	var worst Kind
	best := -1
	for _, err := range errs {
		if err == nil {
			continue
		}
		k := KindOf(err)
		if r := rank(k); r > best {
			best = r
			worst = k
		}
	}
	return worst
}
