package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chatcore/internal/config"
	"chatcore/internal/handlers"
)

func TestRoutesMounted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.AppConfig{Environment: "test", HTTP: config.HTTPConfig{Host: "127.0.0.1", Port: 0}}
	set := handlers.NewHandlerSet(zerolog.Nop(), cfg, handlers.Deps{})

	wsHit := false
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsHit = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	srv := NewHTTPServer(cfg, zerolog.Nop(), set, ws)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("request id middleware not installed")
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !wsHit {
		t.Error("/ws not routed to the realtime handler")
	}
}
