// Package kiroku provides a Go client for the kiroku run orchestration API.
package kiroku

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the kiroku API with the HTTP status code
// and the server's error envelope.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// Retryable is set by the server for transient persistence failures.
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("kiroku: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsConflict returns true if the error is a 409: a duplicate project name,
// an illegal transition or a control action on a finished run.
func IsConflict(err error) bool { return statusIs(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsRetryable returns true when the server marked the failure transient.
// The same request may be sent again unchanged.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}
