package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Lifecycle and registry errors.
var (
	ErrServerNotStarted = errors.New("server not started")
	ErrAlreadyStarted   = errors.New("server already started")
	ErrServerStopped    = errors.New("server stopped")
	ErrWebhookNotFound  = errors.New("webhook not found")
	ErrInvalidWebhookID = errors.New("webhook id cannot be empty")
	ErrInvalidMethod    = errors.New("invalid request method")

	ErrDeliveryLogDisabled = errors.New("delivery log disabled")
)

// ErrorType represents the category of an error surfaced at the HTTP boundary.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeInvalidMethod  ErrorType = "invalid_method"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeTooLarge       ErrorType = "too_large"
	ErrorTypeServer         ErrorType = "server"
)

// APIError is a request-handling failure that is converted into a JSON
// response instead of being propagated.
type APIError struct {
	Type    ErrorType
	Message string

	// StatusCode overrides the status derived from Type.
	StatusCode int

	// Cause is the underlying error, kept for logging.
	Cause error
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode returns the HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest, ErrorTypeInvalidMethod:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Response converts the error into the JSON body sent to the caller.
func (e *APIError) Response() Response {
	return Response{OK: false, Message: e.Message}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

// WithCause attaches the underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.Cause = err
	return e
}

// ToAPIError converts any error to an APIError, defaulting to a server error.
func ToAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewAPIError(ErrorTypeServer, MessageInternal).WithCause(err)
}
