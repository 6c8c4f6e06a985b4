package fetcher

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the fetcher.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// ErrorKind classifies a failed attempt or terminal outcome.
type ErrorKind string

const (
	// KindTimeout means the attempt exceeded the per-request timeout.
	KindTimeout ErrorKind = "timeout"

	// KindConnection means the attempt failed before a response arrived
	// (connection refused, DNS failure, reset).
	KindConnection ErrorKind = "connection"

	// KindUpstream means the upstream answered with a non-success status.
	KindUpstream ErrorKind = "upstream"

	// KindNonRetryable means the request itself is malformed and repeating
	// it cannot succeed.
	KindNonRetryable ErrorKind = "non_retryable"

	// KindCancelled means the batch-level context was cancelled.
	KindCancelled ErrorKind = "cancelled"
)

// FetchError is the terminal or per-attempt error with classification.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int // set for KindUpstream
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s error: %v", e.Kind, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// RetryablePredicate decides whether a non-success upstream status is worth
// retrying. It is injectable: the upstream service's status semantics are a
// caller policy, not a fixed table.
type RetryablePredicate func(statusCode int) bool

// DefaultRetryable retries request timeouts, rate limiting, and server
// errors. Other client errors indicate a request that will keep failing.
func DefaultRetryable(statusCode int) bool {
	switch {
	case statusCode == http.StatusRequestTimeout:
		return true
	case statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= 500:
		return true
	default:
		return false
	}
}
