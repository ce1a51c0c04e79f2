package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/config"
	"chatcore/internal/identity"
	"chatcore/internal/security"
	"chatcore/internal/store/sqlitestore"
)

func newTestAuth(t *testing.T, now *time.Time) *AuthService {
	t.Helper()
	db, err := sqlitestore.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	provider := identity.NewProvider(db).WithParams(security.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8})
	tokens := security.NewTokenService(config.SecurityConfig{
		JWTSecret:    "test-secret",
		TokenTTL:     time.Hour,
		RefreshGrace: 24 * time.Hour,
	}).WithClock(func() time.Time { return *now })
	return NewAuthService(provider, tokens, security.NewMemoryRevoker(), zerolog.Nop())
}

func TestRegisterLoginAuthenticate(t *testing.T) {
	now := time.Now()
	auth := newTestAuth(t, &now)
	ctx := context.Background()

	reg, err := auth.Register(ctx, identity.RegisterInput{Username: "alice", Password: "pw1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := auth.Register(ctx, identity.RegisterInput{Username: "alice", Password: "pw2"}); !errors.Is(err, identity.ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}

	login, err := auth.Login(ctx, "alice", "pw1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if login.User.ID != reg.User.ID {
		t.Errorf("login user %s != registered %s", login.User.ID, reg.User.ID)
	}

	tok, err := auth.Authenticate(ctx, login.Token.Value)
	if err != nil || tok.Subject != reg.User.ID {
		t.Fatalf("Authenticate = %+v, %v", tok, err)
	}
}

func TestLogoutRevokesTokenAndRefresh(t *testing.T) {
	now := time.Now()
	auth := newTestAuth(t, &now)
	ctx := context.Background()

	res, err := auth.Register(ctx, identity.RegisterInput{Username: "bob", Password: "pw1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := auth.Logout(ctx, res.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := auth.Authenticate(ctx, res.Token.Value); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("expected ErrTokenRevoked, got %v", err)
	}
	if _, err := auth.Refresh(ctx, res.Token.Value); !errors.Is(err, security.ErrRefreshDenied) {
		t.Errorf("expected ErrRefreshDenied, got %v", err)
	}
}

func TestRefreshExpiredWithinGrace(t *testing.T) {
	now := time.Now()
	auth := newTestAuth(t, &now)
	ctx := context.Background()

	res, err := auth.Register(ctx, identity.RegisterInput{Username: "carol", Password: "pw1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := auth.Authenticate(ctx, res.Token.Value); !errors.Is(err, security.ErrExpiredToken) {
		t.Fatalf("expected expired, got %v", err)
	}

	fresh, err := auth.Refresh(ctx, res.Token.Value)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if fresh.User.Username != "carol" || fresh.Token.Subject != res.User.ID {
		t.Errorf("unexpected refresh result %+v", fresh)
	}
	if _, err := auth.Authenticate(ctx, fresh.Token.Value); err != nil {
		t.Errorf("refreshed token rejected: %v", err)
	}
}
