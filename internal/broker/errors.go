package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind is the normalized failure class every broker error maps to.
// Callers branch on the kind, never on raw HTTP statuses.
type ErrorKind string

const (
	// KindTransient covers timeouts, rate limits, and 5xx responses.
	// Safe to retry.
	KindTransient ErrorKind = "transient"
	// KindPermissionDenied covers 401/403: the token or entitlement is bad.
	KindPermissionDenied ErrorKind = "permission_denied"
	// KindInvalidRequest covers the remaining 4xx: the request itself is
	// malformed or refers to something that does not exist.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindStaleData marks market data older than the consumer tolerates.
	KindStaleData ErrorKind = "stale_data"
	// KindFatal covers schema mismatches and anything else retrying
	// cannot fix.
	KindFatal ErrorKind = "fatal"
)

// APIError carries one normalized broker failure.
type APIError struct {
	Kind   ErrorKind
	Status int
	Op     string
	Body   string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Body)
}

// newAPIError classifies an HTTP status into the normalized vocabulary.
func newAPIError(op string, status int, body string) *APIError {
	return &APIError{Kind: classifyStatus(status), Status: status, Op: op, Body: body}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindPermissionDenied
	case status == 408 || status == 429:
		return KindTransient
	case status >= 400 && status < 500:
		return KindInvalidRequest
	case status >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}

// KindOf maps any error from a broker call to its normalized kind.
// Network-level failures count as transient; unknown errors as fatal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindTransient
	}
	return KindFatal
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsPermissionDenied reports whether the broker rejected our credentials.
func IsPermissionDenied(err error) bool { return KindOf(err) == KindPermissionDenied }
