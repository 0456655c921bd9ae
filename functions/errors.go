package functions

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// MethodNotAllowedError is returned for any request that is not a POST
type MethodNotAllowedError struct {
	Method string
}

func (e *MethodNotAllowedError) Error() string {
	return "Method not allowed"
}

// ValidationError reports a missing or unusable request field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "is required"
	}
	return fmt.Sprintf("%s %s", capitalize(e.Field), reason)
}

// PayloadTooLargeError is returned for a request body over the size limit
type PayloadTooLargeError struct {
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return "Payload too large"
}

// SubmissionError wraps a failed broker publish
type SubmissionError struct {
	Topic string
	Err   error
}

func (e *SubmissionError) Error() string {
	return "Failed to publish message"
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// BusinessRejection ends order processing early for an order that cannot be
// handled. It is logged and never returned to the broker.
type BusinessRejection struct {
	Reason string
	Err    error
}

func (e *BusinessRejection) Error() string {
	return "Invalid order data: " + e.Reason
}

func (e *BusinessRejection) Unwrap() error {
	return e.Err
}

// StatusCode maps a gateway error to its HTTP status
func StatusCode(err error) int {
	var (
		methodErr     *MethodNotAllowedError
		validationErr *ValidationError
		tooLargeErr   *PayloadTooLargeError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &methodErr):
		return http.StatusMethodNotAllowed
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &tooLargeErr):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
