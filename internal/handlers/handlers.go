package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chatcore/internal/config"
	"chatcore/internal/directory"
	"chatcore/internal/identity"
	"chatcore/internal/middleware"
	"chatcore/internal/models"
	"chatcore/internal/router"
	"chatcore/internal/search"
	"chatcore/internal/service"
	"chatcore/internal/session"
	"chatcore/internal/store"
)

// Realtime is the websocket side effects of REST calls.
type Realtime interface {
	// Logout closes the live connections opened with a token.
	Logout(tokenID string) int
	AnnounceGroup(ctx context.Context, room models.Room) error
}

// Probe reports whether a backing dependency is reachable.
type Probe func(ctx context.Context) error

type Deps struct {
	Auth      *service.AuthService
	Uploads   *service.UploadService
	Users     *identity.Provider
	Directory *directory.Directory
	Router    *router.Router
	Search    *search.Index
	Messages  store.MessageStore
	Registry  *session.Registry
	Realtime  Realtime
	Probes    map[string]Probe
}

type HandlerSet struct {
	log  zerolog.Logger
	cfg  *config.AppConfig
	deps Deps
}

func NewHandlerSet(log zerolog.Logger, cfg *config.AppConfig, deps Deps) HandlerSet {
	return HandlerSet{
		log:  log.With().Str("component", "http").Logger(),
		cfg:  cfg,
		deps: deps,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)
	router.GET("/files/:filename", h.DownloadFile)

	auth := router.Group("/auth")
	auth.POST("/register", h.RegisterUser)
	auth.POST("/login", h.Login)
	auth.POST("/refresh", h.Refresh)

	protected := router.Group("")
	protected.Use(middleware.Auth(h.deps.Auth))
	{
		protected.POST("/auth/logout", h.Logout)
		protected.GET("/auth/me", h.Me)

		protected.GET("/users", h.ListUsers)
		protected.GET("/rooms", h.ListRooms)
		protected.POST("/rooms", h.CreateRoom)

		protected.POST("/upload", h.UploadFile)
		protected.DELETE("/upload/:filename", h.DeleteFile)

		messages := protected.Group("/messages")
		messages.GET("/private/:username", h.PrivateMessages)
		messages.GET("/group/:roomId", h.GroupMessages)
		messages.GET("/conversations", h.Conversations)
		messages.GET("/search", h.SearchMessages)
	}
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

func respondError(c *gin.Context, err error) {
	status := service.ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   service.ErrorMessage(err),
		"code":    service.ErrorCode(err),
	})
}

func currentUserID(c *gin.Context) string {
	tok, _ := middleware.CurrentToken(c)
	return tok.Subject
}
