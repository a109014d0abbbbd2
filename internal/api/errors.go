package api

import (
	"errors"
	"fmt"

	"github.com/steemit/reelfeed/internal/feed"
	"github.com/steemit/reelfeed/internal/session"
)

// Error represents an API error
type Error struct {
	Code    int
	Message string
	Err     error
}

// NewError creates a new API error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// invalidParams wraps a parameter problem as an ErrInvalidParams error.
func invalidParams(err error) *Error {
	return &Error{Code: ErrInvalidParams, Message: "Invalid params", Err: err}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API error %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify maps a handler error to its JSON-RPC code and message.
func classify(err error) (int, string) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Code, apiErr.Message
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound, "Session not found"
	case errors.Is(err, feed.ErrUnknownPost):
		return ErrInvalidParams, "Invalid params"
	default:
		return ErrServerError, "Server error"
	}
}
