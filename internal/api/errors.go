package api

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrNoCredentials is returned when a request is tagged with an account the
// credential store has no live set for and the injector is configured to
// reject such requests.
var ErrNoCredentials = errors.New("no credentials for tagged account")

// ErrRateLimited marks a 429 from the API. Rate limiting is never treated
// as evidence of invalid credentials.
var ErrRateLimited = errors.New("rate limited")

// Error represents a mail API error response or a local API-layer failure.
type Error struct {
	Op      string // operation that failed, e.g. "refresh", "request"
	Status  int    // HTTP status code, 0 for local failures
	Code    int    // API error code from the response body, if any
	Message string // human-readable error description
	Err     error  // underlying cause, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.Status)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the error is an HTTP 429 response.
func (e *Error) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests || errors.Is(e.Err, ErrRateLimited)
}

// retryableStatus reports whether a status code may be retried by the retry
// policy. 5xx responses are transient; everything else, including 429, is
// final at this layer.
func retryableStatus(code int) bool {
	return code >= 500 && code <= 599
}

// isRetryableNetError reports whether a transport error is worth retrying:
// timeouts and reset/refused connections. Everything else propagates to the
// caller unchanged.
func isRetryableNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}
