package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chatcore/internal/security"
	"chatcore/internal/service"
)

const tokenKey = "session_token"

type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (security.Token, error)
}

// Auth requires a bearer session token. Failures answer 401 with
// NO_TOKEN, INVALID_TOKEN or TOKEN_REVOKED.
func Auth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if header == "" || !strings.HasPrefix(header, "Bearer ") || raw == "" {
			fail(c, service.ErrNoToken)
			return
		}

		tok, err := auth.Authenticate(c.Request.Context(), raw)
		if err != nil {
			fail(c, err)
			return
		}

		c.Set(tokenKey, tok)
		ctx := c.Request.Context()
		scoped := zerolog.Ctx(ctx).With().Str("user_id", tok.Subject).Logger()
		c.Request = c.Request.WithContext(scoped.WithContext(ctx))

		c.Next()
	}
}

func CurrentToken(c *gin.Context) (security.Token, bool) {
	v, ok := c.Get(tokenKey)
	if !ok {
		return security.Token{}, false
	}
	tok, ok := v.(security.Token)
	return tok, ok
}

func fail(c *gin.Context, err error) {
	abort(c, service.ErrorStatus(err), service.ErrorCode(err), service.ErrorMessage(err))
}
