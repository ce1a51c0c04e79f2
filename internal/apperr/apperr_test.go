package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeFollowsWrappedSentinel(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{fmt.Errorf("%w: empty body", ErrValidation), CodeValidation, http.StatusBadRequest},
		{fmt.Errorf("%w: not a member", ErrForbidden), CodeForbidden, http.StatusForbidden},
		{fmt.Errorf("send: %w", fmt.Errorf("%w: db down", ErrPersistence)), CodePersistence, http.StatusServiceUnavailable},
		{ErrUnauthenticated, CodeUnauthenticated, http.StatusUnauthorized},
		{errors.New("boom"), CodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := Code(tc.err); got != tc.code {
			t.Errorf("Code(%v) = %s, want %s", tc.err, got, tc.code)
		}
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}

func TestPublicHidesInternalDetails(t *testing.T) {
	if got := Public(errors.New("pq: relation missing")); got != "internal server error" {
		t.Errorf("unexpected public message %q", got)
	}
	err := fmt.Errorf("%w: message body is empty", ErrValidation)
	if got := Public(err); got != err.Error() {
		t.Errorf("validation message should pass through, got %q", got)
	}
}
