package identity

import (
	"context"
	"errors"
	"testing"

	"chatcore/internal/apperr"
	"chatcore/internal/security"
	"chatcore/internal/store/sqlitestore"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewProvider(s).WithParams(security.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8})
}

func TestRegisterAndAuthenticate(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	user, err := p.Register(ctx, RegisterInput{Username: " alice ", Password: "secret"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("username not trimmed: %q", user.Username)
	}

	got, err := p.Authenticate(ctx, "alice", "secret")
	if err != nil || got.ID != user.ID {
		t.Fatalf("Authenticate = %+v, %v", got, err)
	}
	if _, err := p.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := p.Authenticate(ctx, "nobody", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestRegisterRejectsDuplicatesAndBadInput(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if _, err := p.Register(ctx, RegisterInput{Username: "bob", Password: "pw1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := p.Register(ctx, RegisterInput{Username: "bob", Password: "pw2"}); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}

	cases := []RegisterInput{
		{Username: "", Password: "secret"},
		{Username: "carol", Password: "pw"},
		{Username: "has space", Password: "secret"},
	}
	for _, in := range cases {
		if _, err := p.Register(ctx, in); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Register(%+v): expected validation error, got %v", in, err)
		}
	}
}
