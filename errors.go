package pendleyield

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports invalid input detected locally, before any network
// or database I/O. It is never retried.
type ValidationError struct {
	Message string
	// Field names the offending input, when known.
	Field string
	// Value is a string rendering of the offending input, when known.
	Value string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (field %q, value %q)", e.Message, e.Field, e.Value)
	}
	return e.Message
}

// NewValidationError creates a ValidationError with a specific message.
func NewValidationError(message string) error {
	return &ValidationError{Message: message}
}

// NewValidationErrorf creates a ValidationError with a formatted message.
func NewValidationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// APIError reports an upstream HTTP or transport failure after all retry
// attempts have been exhausted. StatusCode and ResponseText are populated
// when a response was received.
type APIError struct {
	Message      string
	StatusCode   int
	ResponseText string
	URL          string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d, url %s)", e.Message, e.StatusCode, e.URL)
	}
	if e.URL != "" {
		return fmt.Sprintf("%s (url %s)", e.Message, e.URL)
	}
	return e.Message
}

// IsAPIError returns true if the error is an APIError.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// RateLimitError reports an HTTP 429 from an upstream API. It is raised
// immediately without internal retries; RetryAfter carries the wait the
// upstream suggested so the caller can decide how to honor it.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
	URL        string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (retry after %s, url %s)", e.Message, e.RetryAfter, e.URL)
}

// IsRateLimitError returns true if the error is a RateLimitError.
func IsRateLimitError(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}
