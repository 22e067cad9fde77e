package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes failures in the streaming pipeline.
type ErrorType string

const (
	// ErrorTypeTransport indicates the network channel failed or dropped.
	ErrorTypeTransport ErrorType = "transport"

	// ErrorTypeParse indicates a malformed frame. Non-fatal: the frame is
	// dropped and the stream continues.
	ErrorTypeParse ErrorType = "parse"

	// ErrorTypeProtocol indicates an explicit error event from the remote
	// agent service.
	ErrorTypeProtocol ErrorType = "protocol"

	// ErrorTypeCancelled indicates a user-initiated stop. Never surfaced
	// as a failure.
	ErrorTypeCancelled ErrorType = "cancelled"

	// ErrorTypeOverload indicates the circuit breaker shed load. Fully
	// recovered locally.
	ErrorTypeOverload ErrorType = "overload"
)

// StreamError is the canonical pipeline error. It carries a category so the
// session layer can decide whether to surface, retry, or swallow it.
type StreamError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Fatal reports whether this error should move the session to the error
// state. Parse, overload, and cancellation errors are recovered locally.
func (e *StreamError) Fatal() bool {
	switch e.Type {
	case ErrorTypeTransport, ErrorTypeProtocol:
		return true
	default:
		return false
	}
}

// HTTPStatusCode maps the error category to a status code for the control
// surface.
func (e *StreamError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeParse:
		return http.StatusBadRequest
	case ErrorTypeCancelled:
		return http.StatusOK
	case ErrorTypeOverload:
		return http.StatusServiceUnavailable
	case ErrorTypeTransport:
		return http.StatusBadGateway
	case ErrorTypeProtocol:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewStreamError creates a stream error of the given category.
func NewStreamError(errType ErrorType, message string) *StreamError {
	return &StreamError{Type: errType, Message: message}
}

// WithCause attaches an underlying error.
func (e *StreamError) WithCause(err error) *StreamError {
	e.Cause = err
	return e
}

// Convenience constructors for common errors

// ErrTransport creates a transport error.
func ErrTransport(message string, cause error) *StreamError {
	return NewStreamError(ErrorTypeTransport, message).WithCause(cause)
}

// ErrParse creates a parse error.
func ErrParse(message string, cause error) *StreamError {
	return NewStreamError(ErrorTypeParse, message).WithCause(cause)
}

// ErrProtocol creates a protocol error.
func ErrProtocol(message string) *StreamError {
	return NewStreamError(ErrorTypeProtocol, message)
}

// ErrCancelled creates a cancellation error.
func ErrCancelled(message string) *StreamError {
	return NewStreamError(ErrorTypeCancelled, message)
}

// ErrOverload creates an overload error.
func ErrOverload(message string) *StreamError {
	return NewStreamError(ErrorTypeOverload, message)
}

// IsCancellation reports whether err is a user-initiated cancellation,
// either a StreamError of type cancelled or a context cancellation.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	var se *StreamError
	if errors.As(err, &se) && se.Type == ErrorTypeCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}
