package httpapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an API error carrying the status code to respond with.
type Error struct {
	StatusCode int
	Message    string
	Details    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// NewError builds an API error.
func NewError(status int, message string, details any) *Error {
	return &Error{StatusCode: status, Message: message, Details: details}
}

// BadRequest is a 400 with message.
func BadRequest(message string) *Error { return NewError(http.StatusBadRequest, message, nil) }

// NotFound is a 404 with message.
func NotFound(message string) *Error { return NewError(http.StatusNotFound, message, nil) }

// Conflict is a 409 with message.
func Conflict(message string) *Error { return NewError(http.StatusConflict, message, nil) }

// ErrInvalidPayload is returned when a request body is not valid JSON.
var ErrInvalidPayload = errors.New("invalid request payload")

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}
