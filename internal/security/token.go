package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatcore/internal/config"
	"chatcore/internal/ids"
)

var (
	ErrExpiredToken   = errors.New("token expired")
	ErrMalformedToken = errors.New("malformed token")
	ErrRefreshDenied  = errors.New("token refresh denied")
)

type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Token is a validated session token.
type Token struct {
	Value     string
	Subject   string
	Username  string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenService mints and checks HS256 session tokens. It holds no state
// besides the secret and clock.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	grace  time.Duration
	now    func() time.Time
}

func NewTokenService(cfg config.SecurityConfig) *TokenService {
	return &TokenService{
		secret: []byte(cfg.JWTSecret),
		ttl:    cfg.TokenTTL,
		grace:  cfg.RefreshGrace,
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	clone := *s
	clone.now = now
	return &clone
}

func (s *TokenService) TTL() time.Duration { return s.ttl }

// Grace is how long after expiry a token may still be refreshed.
func (s *TokenService) Grace() time.Duration { return s.grace }

func (s *TokenService) Issue(userID, username string) (Token, error) {
	now := s.now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        ids.New(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign jwt: %w", err)
	}
	return tokenFromClaims(signed, &claims), nil
}

func (s *TokenService) Validate(raw string) (Token, error) {
	claims, err := s.parse(raw, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Token{}, ErrExpiredToken
		}
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.ExpiresAt == nil || claims.Subject == "" {
		return Token{}, ErrMalformedToken
	}
	return tokenFromClaims(raw, claims), nil
}

// Refresh exchanges a well-signed token for a fresh one. Expired tokens
// are accepted until the grace window after their expiry has passed.
func (s *TokenService) Refresh(raw string) (Token, error) {
	claims, err := s.parse(raw, jwt.WithoutClaimsValidation())
	if err != nil || claims.ExpiresAt == nil || claims.Subject == "" {
		return Token{}, ErrRefreshDenied
	}
	if s.now().After(claims.ExpiresAt.Time.Add(s.grace)) {
		return Token{}, ErrRefreshDenied
	}
	return s.Issue(claims.Subject, claims.Username)
}

// Inspect returns the claims of a well-signed token regardless of expiry.
func (s *TokenService) Inspect(raw string) (Token, error) {
	claims, err := s.parse(raw, jwt.WithoutClaimsValidation())
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return tokenFromClaims(raw, claims), nil
}

func (s *TokenService) parse(raw string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func tokenFromClaims(raw string, claims *Claims) Token {
	t := Token{
		Value:    raw,
		Subject:  claims.Subject,
		Username: claims.Username,
		ID:       claims.ID,
	}
	if claims.IssuedAt != nil {
		t.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		t.ExpiresAt = claims.ExpiresAt.Time
	}
	return t
}
