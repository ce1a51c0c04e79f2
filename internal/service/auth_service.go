package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/identity"
	"chatcore/internal/models"
	"chatcore/internal/security"
)

var ErrTokenRevoked = errors.New("token revoked")

type AuthService struct {
	identities *identity.Provider
	tokens     *security.TokenService
	revoker    security.Revoker
	log        zerolog.Logger
}

func NewAuthService(
	identities *identity.Provider,
	tokens *security.TokenService,
	revoker security.Revoker,
	log zerolog.Logger,
) *AuthService {
	return &AuthService{
		identities: identities,
		tokens:     tokens,
		revoker:    revoker,
		log:        log.With().Str("component", "auth").Logger(),
	}
}

type AuthResult struct {
	Token security.Token
	User  models.User
}

func (s *AuthService) Register(ctx context.Context, input identity.RegisterInput) (AuthResult, error) {
	user, err := s.identities.Register(ctx, input)
	if err != nil {
		return AuthResult{}, err
	}
	s.log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user registered")
	return s.issue(user)
}

func (s *AuthService) Login(ctx context.Context, username, password string) (AuthResult, error) {
	user, err := s.identities.Authenticate(ctx, username, password)
	if err != nil {
		return AuthResult{}, err
	}
	return s.issue(user)
}

// Authenticate validates raw and checks it against the revocation set.
func (s *AuthService) Authenticate(ctx context.Context, raw string) (security.Token, error) {
	tok, err := s.tokens.Validate(raw)
	if err != nil {
		return security.Token{}, err
	}
	if err := s.checkRevoked(ctx, tok.ID); err != nil {
		return security.Token{}, err
	}
	return tok, nil
}

// Refresh trades a token, possibly expired within the grace window, for
// a new one. The identity must still exist.
func (s *AuthService) Refresh(ctx context.Context, raw string) (AuthResult, error) {
	old, err := s.tokens.Inspect(raw)
	if err != nil {
		return AuthResult{}, security.ErrRefreshDenied
	}
	if err := s.checkRevoked(ctx, old.ID); err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			return AuthResult{}, security.ErrRefreshDenied
		}
		return AuthResult{}, err
	}

	tok, err := s.tokens.Refresh(raw)
	if err != nil {
		return AuthResult{}, err
	}
	user, err := s.identities.Lookup(ctx, tok.Subject)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return AuthResult{}, security.ErrRefreshDenied
		}
		return AuthResult{}, err
	}
	return AuthResult{Token: tok, User: user}, nil
}

// Logout revokes tok for as long as it could still be used or refreshed.
func (s *AuthService) Logout(ctx context.Context, tok security.Token) error {
	until := tok.ExpiresAt.Add(s.tokens.Grace())
	if err := s.revoker.Revoke(ctx, tok.ID, until); err != nil {
		return fmt.Errorf("%w: revoke token: %v", apperr.ErrTransport, err)
	}
	s.log.Info().Str("user_id", tok.Subject).Str("token_id", tok.ID).Msg("token revoked")
	return nil
}

func (s *AuthService) Lookup(ctx context.Context, userID string) (models.User, error) {
	return s.identities.Lookup(ctx, userID)
}

func (s *AuthService) issue(user models.User) (AuthResult, error) {
	tok, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{Token: tok, User: user}, nil
}

func (s *AuthService) checkRevoked(ctx context.Context, tokenID string) error {
	revoked, err := s.revoker.IsRevoked(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("%w: revocation lookup: %v", apperr.ErrTransport, err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	return nil
}
