package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chatcore/internal/apperr"
	"chatcore/internal/identity"
	"chatcore/internal/middleware"
	"chatcore/internal/models"
	"chatcore/internal/service"
)

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Email    string `json:"email"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	Token string `json:"token" binding:"required"`
}

type authResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      userResponse `json:"user"`
}

type userResponse struct {
	ID        string        `json:"id"`
	Username  string        `json:"username"`
	Email     *string       `json:"email,omitempty"`
	AvatarURL *string       `json:"avatarUrl,omitempty"`
	Status    models.Status `json:"status,omitempty"`
	Online    bool          `json:"online"`
	LastSeen  *time.Time    `json:"lastSeen,omitempty"`
}

func toUserResponse(user models.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
	}
}

func bindError(err error) error {
	return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
}

func (h HandlerSet) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	result, err := h.deps.Auth.Register(c.Request.Context(), identity.RegisterInput{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	sendAuthResponse(c, http.StatusCreated, result)
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	result, err := h.deps.Auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	sendAuthResponse(c, http.StatusOK, result)
}

func (h HandlerSet) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	result, err := h.deps.Auth.Refresh(c.Request.Context(), req.Token)
	if err != nil {
		respondError(c, err)
		return
	}
	sendAuthResponse(c, http.StatusOK, result)
}

// Logout revokes the presented token and drops the websocket sessions
// opened with it.
func (h HandlerSet) Logout(c *gin.Context) {
	tok, _ := middleware.CurrentToken(c)
	if err := h.deps.Auth.Logout(c.Request.Context(), tok); err != nil {
		respondError(c, err)
		return
	}

	closed := 0
	if h.deps.Realtime != nil {
		closed = h.deps.Realtime.Logout(tok.ID)
	}
	ok(c, http.StatusOK, gin.H{"closedSessions": closed})
}

func (h HandlerSet) Me(c *gin.Context) {
	user, err := h.deps.Auth.Lookup(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"user": h.withPresence(toUserResponse(user), user.ID)})
}

func sendAuthResponse(c *gin.Context, status int, result service.AuthResult) {
	ok(c, status, authResponse{
		Token:     result.Token.Value,
		ExpiresAt: result.Token.ExpiresAt,
		User:      toUserResponse(result.User),
	})
}

func (h HandlerSet) withPresence(resp userResponse, userID string) userResponse {
	if h.deps.Registry == nil {
		return resp
	}
	resp.Online = h.deps.Registry.IsOnline(userID)
	if status, found := h.deps.Registry.Status(userID); found && resp.Online {
		resp.Status = status
	}
	if seen, found := h.deps.Registry.LastSeen(userID); found && !resp.Online {
		resp.LastSeen = &seen
	}
	return resp
}
