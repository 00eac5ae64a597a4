package plugin

import (
	"errors"
	"net/http"
)

// ErrHandled signals that a plugin has fully answered the request.
var ErrHandled = errors.New("plugin: request handled")

// HandlerError wraps an error raised by a plugin handler, either through its
// callback or by panicking.
type HandlerError struct {
	PluginID string
	Handler  string
	Err      error
}

func (e *HandlerError) Error() string {
	return "plugin " + e.PluginID + ": " + e.Handler + ": " + e.Err.Error()
}

func (e *HandlerError) Unwrap() error { return e.Err }

// StatusError is an error a plugin returns to choose the client-visible
// status and error code.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

// NewError creates a StatusError.
func NewError(status int, message string) *StatusError {
	return &StatusError{Status: status, Message: message}
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.Status)
}

// StatusCode returns the HTTP status the gateway should answer with.
func (e *StatusError) StatusCode() int { return e.Status }

// ErrorCode returns the machine-readable error code, if any.
func (e *StatusError) ErrorCode() string { return e.Code }
