// Package apperr holds the error taxonomy shared by the REST and realtime
// surfaces. Callers wrap one of the sentinels with fmt.Errorf("%w: ...")
// and the transports map it back with Code and HTTPStatus.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrPersistence     = errors.New("persistence failed")
	ErrTransport       = errors.New("transport error")
)

const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeValidation      = "VALIDATION_ERROR"
	CodePersistence     = "PERSISTENCE_ERROR"
	CodeTransport       = "TRANSPORT_ERROR"
	CodeInternal        = "INTERNAL_ERROR"
)

type mapping struct {
	err    error
	code   string
	status int
}

var table = []mapping{
	{ErrUnauthenticated, CodeUnauthenticated, http.StatusUnauthorized},
	{ErrForbidden, CodeForbidden, http.StatusForbidden},
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrValidation, CodeValidation, http.StatusBadRequest},
	{ErrPersistence, CodePersistence, http.StatusServiceUnavailable},
	{ErrTransport, CodeTransport, http.StatusBadGateway},
}

// Code returns the machine-readable code for err.
func Code(err error) string {
	for _, m := range table {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeInternal
}

// HTTPStatus returns the status a REST handler should answer with.
func HTTPStatus(err error) int {
	for _, m := range table {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// Public reports whether err's message is safe to show to the caller.
// Internal and persistence failures are replaced with a generic message.
func Public(err error) string {
	switch Code(err) {
	case CodeInternal:
		return "internal server error"
	case CodePersistence:
		return "message could not be stored, please retry"
	}
	return err.Error()
}
