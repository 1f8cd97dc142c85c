package httperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Error codes returned in the error envelope.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeCapabilityDenied   = "CAPABILITY_DENIED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionExpired     = "SESSION_EXPIRED"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
)

// Error is an API error carrying the HTTP status and taxonomy code that the
// envelope renders. It satisfies the error interface so it can flow through
// echo handlers and be recovered at the boundary.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an API error.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Newf creates an API error with a formatted message.
func Newf(status int, code, format string, args ...interface{}) *Error {
	return &Error{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeInvalidRequest, message)
}

func Unauthenticated(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthenticated, message)
}

func TokenExpired(message string) *Error {
	return New(http.StatusUnauthorized, CodeTokenExpired, message)
}

func CapabilityDenied(message string) *Error {
	return New(http.StatusForbidden, CodeCapabilityDenied, message)
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, message)
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func SessionNotFound(message string) *Error {
	return New(http.StatusNotFound, CodeSessionNotFound, message)
}

func SessionExpired(message string) *Error {
	return New(http.StatusGone, CodeSessionExpired, message)
}

func BackendUnavailable(message string) *Error {
	return New(http.StatusServiceUnavailable, CodeBackendUnavailable, message)
}

// Body is the inner object of the error envelope.
type Body struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Envelope is the wire shape of every SSAP error response.
type Envelope struct {
	Error Body `json:"error"`
}

// Retryable reports whether a status code signals a condition the client
// may retry (locked, rate-limited, or backend unavailable).
func Retryable(status int) bool {
	switch status {
	case http.StatusLocked, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// EnvelopeFor builds the wire envelope for an error.
func (e *Error) EnvelopeFor() Envelope {
	return Envelope{Error: Body{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: Retryable(e.Status),
	}}
}

// EchoHandler returns an echo HTTPErrorHandler that renders every error as
// the SSAP envelope. Typed *Error values keep their status and code; echo's
// own errors (404 route miss, 405) and anything unrecognized are wrapped
// under a generic HTTP_ERROR code.
func EchoHandler() echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *Error
		if errors.As(err, &apiErr) {
			_ = c.JSON(apiErr.Status, apiErr.EnvelopeFor())
			return
		}

		status := http.StatusInternalServerError
		message := http.StatusText(status)
		var echoErr *echo.HTTPError
		if errors.As(err, &echoErr) {
			status = echoErr.Code
			message = fmt.Sprintf("%v", echoErr.Message)
		}
		_ = c.JSON(status, Envelope{Error: Body{
			Code:      "HTTP_ERROR",
			Message:   message,
			Retryable: Retryable(status),
		}})
	}
}
