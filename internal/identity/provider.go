// Package identity owns credentials: registration and password checks
// against the user store.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/apperr"
	"chatcore/internal/ids"
	"chatcore/internal/models"
	"chatcore/internal/security"
	"chatcore/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
)

const (
	minPasswordLen = 3
	maxUsernameLen = 32
)

type Provider struct {
	users  store.UserStore
	params security.Argon2Params
}

func NewProvider(users store.UserStore) *Provider {
	return &Provider{users: users, params: security.DefaultParams}
}

// WithParams overrides the argon2 cost, tests use a cheap setting.
func (p *Provider) WithParams(params security.Argon2Params) *Provider {
	clone := *p
	clone.params = params
	return &clone
}

type RegisterInput struct {
	Username string
	Password string
	Email    string
}

func (p *Provider) Register(ctx context.Context, input RegisterInput) (models.User, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" || input.Password == "" {
		return models.User{}, fmt.Errorf("%w: username and password required", apperr.ErrValidation)
	}
	if utf8.RuneCountInString(username) > maxUsernameLen || strings.ContainsAny(username, " \t\r\n:") {
		return models.User{}, fmt.Errorf("%w: invalid username", apperr.ErrValidation)
	}
	if len(input.Password) < minPasswordLen {
		return models.User{}, fmt.Errorf("%w: password must have at least %d characters", apperr.ErrValidation, minPasswordLen)
	}

	hash, err := security.HashPassword(input.Password, p.params)
	if err != nil {
		return models.User{}, err
	}

	user := models.User{
		ID:           ids.New(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if email := strings.TrimSpace(strings.ToLower(input.Email)); email != "" {
		user.Email = &email
	}

	if err := p.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return models.User{}, ErrUsernameTaken
		}
		return models.User{}, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	return user, nil
}

func (p *Provider) Authenticate(ctx context.Context, username, password string) (models.User, error) {
	user, err := p.users.UserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	ok, err := security.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (p *Provider) Lookup(ctx context.Context, id string) (models.User, error) {
	user, err := p.users.UserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, fmt.Errorf("%w: user %s", apperr.ErrNotFound, id)
	}
	return user, err
}

func (p *Provider) LookupUsername(ctx context.Context, username string) (models.User, error) {
	user, err := p.users.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, fmt.Errorf("%w: user %s", apperr.ErrNotFound, username)
	}
	return user, err
}

func (p *Provider) List(ctx context.Context) ([]models.User, error) {
	return p.users.ListUsers(ctx)
}
