package security

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chatcore/internal/config"
)

func newTestService(now *time.Time) *TokenService {
	svc := NewTokenService(config.SecurityConfig{
		JWTSecret:    "test-secret",
		TokenTTL:     time.Hour,
		RefreshGrace: 24 * time.Hour,
	})
	return svc.WithClock(func() time.Time { return *now })
}

func TestIssueValidateRoundTrip(t *testing.T) {
	now := time.Now()
	svc := newTestService(&now)

	tok, err := svc.Issue("user-1", "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := svc.Validate(tok.Value)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Subject != "user-1" || got.Username != "alice" || got.ID == "" {
		t.Errorf("unexpected token %+v", got)
	}
	if got.ExpiresAt.Sub(got.IssuedAt) != time.Hour {
		t.Errorf("expected 1h lifetime, got %v", got.ExpiresAt.Sub(got.IssuedAt))
	}
}

func TestValidateExpiredAndMalformed(t *testing.T) {
	now := time.Now()
	svc := newTestService(&now)
	tok, err := svc.Issue("user-1", "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := svc.Validate(tok.Value); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}

	if _, err := svc.Validate("not-a-jwt"); !errors.Is(err, ErrMalformedToken) {
		t.Errorf("expected ErrMalformedToken, got %v", err)
	}

	other := NewTokenService(config.SecurityConfig{JWTSecret: "other", TokenTTL: time.Hour})
	forged, err := other.Issue("user-1", "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Validate(forged.Value); !errors.Is(err, ErrMalformedToken) {
		t.Errorf("expected ErrMalformedToken for foreign signature, got %v", err)
	}
}

func TestRefreshOfIssuedTokenValidates(t *testing.T) {
	now := time.Now()
	svc := newTestService(&now)

	tok, err := svc.Issue("user-42", "bob")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	refreshed, err := svc.Refresh(tok.Value)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	got, err := svc.Validate(refreshed.Value)
	if err != nil {
		t.Fatalf("Validate refreshed: %v", err)
	}
	if got.Subject != "user-42" || got.Username != "bob" {
		t.Errorf("refreshed token lost identity: %+v", got)
	}
	if got.ID == tok.ID {
		t.Error("refreshed token must carry a new id")
	}
}

func TestRefreshWithinAndBeyondGrace(t *testing.T) {
	now := time.Now()
	svc := newTestService(&now)
	tok, err := svc.Issue("user-1", "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := svc.Refresh(tok.Value); err != nil {
		t.Errorf("expired token within grace should refresh: %v", err)
	}

	now = now.Add(48 * time.Hour)
	if _, err := svc.Refresh(tok.Value); !errors.Is(err, ErrRefreshDenied) {
		t.Errorf("expected ErrRefreshDenied beyond grace, got %v", err)
	}

	tampered := tok.Value[:strings.LastIndex(tok.Value, ".")] + ".AAAA"
	if _, err := svc.Refresh(tampered); !errors.Is(err, ErrRefreshDenied) {
		t.Errorf("expected ErrRefreshDenied for bad signature, got %v", err)
	}
}

func TestMemoryRevoker(t *testing.T) {
	r := NewMemoryRevoker()
	ctx := context.Background()

	if err := r.Revoke(ctx, "jti-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); !revoked {
		t.Error("expected jti-1 revoked")
	}
	if revoked, _ := r.IsRevoked(ctx, "jti-2"); revoked {
		t.Error("jti-2 was never revoked")
	}

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); revoked {
		t.Error("revocation should lapse after its deadline")
	}
}
