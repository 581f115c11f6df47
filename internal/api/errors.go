package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Method     string `json:"method"`
	Path       string `json:"path"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("postfixer API error (%d) on %s %s: %s", e.StatusCode, e.Method, e.Path, e.Message)
}

// Retriable reports whether the backend might answer differently later.
// 503 is what gated endpoints return while the server is initializing.
func (e *APIError) Retriable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// NetworkError wraps a failure below HTTP: refused connections, resets,
// timeouts, aborted requests.
type NetworkError struct {
	Operation string `json:"operation"`
	URL       string `json:"url"`
	Err       error  `json:"error"`
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s to %s: %v", e.Operation, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Retriable is false only when the caller itself gave up.
func (e *NetworkError) Retriable() bool {
	return !errors.Is(e.Err, context.Canceled)
}

// Timeout reports whether the request ran out of time.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// DecodeError is a successful response whose body could not be decoded.
// Asking again returns the same body, so it is not retriable.
type DecodeError struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	Err        error  `json:"error"`
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed response (%d) on %s %s: %v", e.StatusCode, e.Method, e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Retriable() bool {
	return false
}

// IsNotFound checks if an error is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsInitializing checks if the backend refused the call because it is not
// ready yet.
func IsInitializing(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable
}
