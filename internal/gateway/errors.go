package gateway

import (
	"errors"
	"net/http"
	"regexp"

	"edgeproxy/internal/plugin"
	"edgeproxy/internal/stream"
	"edgeproxy/internal/target"
)

// ErrNoRoute is returned when no proxy base path matches the request.
var ErrNoRoute = errors.New("gateway: no matching route")

// userinfoPattern matches credentials embedded in URLs inside error messages.
var userinfoPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/@\s"]+@`)

// Error is a failure classified into a client-visible status.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// statusCoder is implemented by errors that choose their own status, such as
// plugin.StatusError.
type statusCoder interface {
	StatusCode() int
}

type errorCoder interface {
	ErrorCode() string
}

// classify maps any pipeline failure to an Error.
func classify(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return normalize(ge)
	}

	if errors.Is(err, ErrNoRoute) {
		return &Error{Status: http.StatusNotFound, Message: "no matching proxy route", Err: err}
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		msg := err.Error()
		if se, ok := sc.(error); ok {
			msg = se.Error()
		}
		e := &Error{Status: sc.StatusCode(), Message: redact(msg), Err: err}
		var ec errorCoder
		if errors.As(err, &ec) {
			e.Code = ec.ErrorCode()
		}
		return normalize(e)
	}

	if errors.Is(err, target.ErrTimeout) {
		return &Error{Status: http.StatusGatewayTimeout, Code: "ETIMEDOUT", Message: "gateway timeout", Err: err}
	}

	var he *plugin.HandlerError
	var se *stream.HookError
	if errors.As(err, &he) || errors.As(err, &se) {
		return &Error{Status: http.StatusInternalServerError, Message: redact(err.Error()), Err: err}
	}

	if code := target.Code(err); code != "" {
		return &Error{Status: http.StatusBadGateway, Code: code, Message: redact(err.Error()), Err: err}
	}
	return &Error{Status: http.StatusInternalServerError, Message: redact(err.Error()), Err: err}
}

// targetFailure classifies an error from the target request. Error hooks
// may have replaced cause with their own error; the status still follows
// the timeout unless the replacement names one.
func targetFailure(cause error, timedOut bool) *Error {
	var sc statusCoder
	if errors.As(cause, &sc) {
		return classify(cause)
	}
	if timedOut || errors.Is(cause, target.ErrTimeout) {
		return &Error{Status: http.StatusGatewayTimeout, Code: "ETIMEDOUT", Message: "gateway timeout", Err: cause}
	}
	return &Error{
		Status:  http.StatusBadGateway,
		Code:    target.Code(cause),
		Message: redact(cause.Error()),
		Err:     cause,
	}
}

// normalize forces a failure status when a classified error carries a
// success or unset code.
func normalize(e *Error) *Error {
	if e.Status < http.StatusContinue || (e.Status >= http.StatusOK && e.Status < http.StatusMultipleChoices) {
		e.Status = http.StatusInternalServerError
	}
	if e.Message == "" {
		e.Message = http.StatusText(e.Status)
	}
	return e
}

// redact strips URL credentials from error text.
func redact(msg string) string {
	return userinfoPattern.ReplaceAllString(msg, "${1}[REDACTED]@")
}
