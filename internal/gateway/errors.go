package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/dataprochub/broker/internal/types"
)

// ErrorKind classifies a control-plane failure for the orchestrator's retry
// policy. Quota, permission and collision failures do not resolve with time
// and are terminal; transient failures are retried with backoff.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindQuotaExceeded
	KindPermissionDenied
	KindAlreadyExists
	KindNotFound
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindNotFound:
		return "NotFound"
	case KindTransient:
		return "TransientError"
	default:
		return "Unknown"
	}
}

// Error is a classified control-plane failure. On AlreadyExists it carries
// the existing cluster's session tag so the caller can distinguish an
// idempotent re-entry from a name collision.
type Error struct {
	Kind            ErrorKind
	Op              string
	ExistingSession types.SessionID
	ExistingUUID    string
	Err             error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain, defaulting to
// KindUnknown for unclassified errors.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// AsError extracts a classified gateway error from a chain.
func AsError(err error) (*Error, bool) {
	var ge *Error
	ok := errors.As(err, &ge)
	return ge, ok
}

// classify maps a raw client error onto the error taxonomy.
func classify(op string, err error) *Error {
	kind := KindUnknown

	var apiErr *googleapi.Error
	switch {
	case errors.As(err, &apiErr):
		kind = classifyAPIError(apiErr)
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTransient
	case isNetworkError(err):
		kind = KindTransient
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

func classifyAPIError(apiErr *googleapi.Error) ErrorKind {
	switch {
	case apiErr.Code == 403:
		if isQuotaReason(apiErr) {
			return KindQuotaExceeded
		}
		return KindPermissionDenied
	case apiErr.Code == 409:
		return KindAlreadyExists
	case apiErr.Code == 404:
		return KindNotFound
	case apiErr.Code == 429:
		return KindQuotaExceeded
	case apiErr.Code >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

// isQuotaReason distinguishes quota exhaustion from plain permission errors,
// both of which the API reports as 403.
func isQuotaReason(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		switch e.Reason {
		case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded", "resourceExhausted":
			return true
		}
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "quota") || strings.Contains(msg, "resource exhausted")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
