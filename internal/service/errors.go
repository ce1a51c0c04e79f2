package service

import (
	"errors"
	"net/http"

	"chatcore/internal/apperr"
	"chatcore/internal/identity"
	"chatcore/internal/security"
)

const (
	CodeNoToken            = "NO_TOKEN"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeTokenRevoked       = "TOKEN_REVOKED"
	CodeRefreshDenied      = "REFRESH_DENIED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeUsernameTaken      = "USERNAME_TAKEN"
)

var ErrNoToken = errors.New("no token provided")

// ErrorCode extends apperr.Code with the authentication codes clients
// key their refresh and retry logic on. Expired and malformed tokens
// share INVALID_TOKEN.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNoToken):
		return CodeNoToken
	case errors.Is(err, ErrTokenRevoked):
		return CodeTokenRevoked
	case errors.Is(err, security.ErrExpiredToken), errors.Is(err, security.ErrMalformedToken):
		return CodeInvalidToken
	case errors.Is(err, security.ErrRefreshDenied):
		return CodeRefreshDenied
	case errors.Is(err, identity.ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, identity.ErrUsernameTaken):
		return CodeUsernameTaken
	}
	return apperr.Code(err)
}

func ErrorStatus(err error) int {
	switch ErrorCode(err) {
	case CodeNoToken, CodeInvalidToken, CodeTokenRevoked, CodeRefreshDenied, CodeInvalidCredentials:
		return http.StatusUnauthorized
	case CodeUsernameTaken:
		return http.StatusConflict
	}
	return apperr.HTTPStatus(err)
}

// ErrorMessage is the caller-facing text for err.
func ErrorMessage(err error) string {
	switch ErrorCode(err) {
	case CodeInvalidToken:
		return "invalid or expired token"
	case CodeTokenRevoked:
		return "token has been revoked"
	case CodeRefreshDenied:
		return "token can no longer be refreshed"
	}
	return apperr.Public(err)
}
