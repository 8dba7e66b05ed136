package route

import (
	"errors"
	"fmt"
	"net/http"

	ierrors "github.com/jamesprial/sockroute/internal/errors"
)

// StatusError is an error that carries the HTTP status it should be
// reported with.
type StatusError struct {
	Status  int
	Message string
	Err     error
}

// Error returns a StatusError for status. An empty message uses the
// status text.
func Error(status int, message string) error {
	return &StatusError{Status: status, Message: message}
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, msg, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, msg)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf maps an error returned by a handler to an HTTP status.
func StatusOf(err error) int {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return se.Status
	case errors.Is(err, ierrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ierrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ierrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ierrors.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// MessageOf returns the client-facing message for err. Only StatusError
// messages are exposed; everything else uses the status text.
func MessageOf(err error) string {
	var se *StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return http.StatusText(StatusOf(err))
}
