// Package realtime is the websocket surface: handshake, per-connection
// pumps and event dispatch onto the chat core.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/config"
	"chatcore/internal/directory"
	"chatcore/internal/models"
	"chatcore/internal/router"
	"chatcore/internal/search"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/session"
	"chatcore/internal/typing"
)

// Authenticator validates handshake tokens and renews them in-band.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (security.Token, error)
	Refresh(ctx context.Context, raw string) (service.AuthResult, error)
}

// Users resolves identities for addressing and user_list.
type Users interface {
	Lookup(ctx context.Context, id string) (models.User, error)
	LookupUsername(ctx context.Context, username string) (models.User, error)
	List(ctx context.Context) ([]models.User, error)
}

// Deps are the chat core services the hub dispatches onto.
type Deps struct {
	Auth      Authenticator
	Users     Users
	Registry  *session.Registry
	Router    *router.Router
	Directory *directory.Directory
	Typing    *typing.Broadcaster
	Search    *search.Index
}

// Hub owns the websocket endpoint and every live connection on it.
type Hub struct {
	deps     Deps
	cfg      config.RealtimeConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger

	// serializes user_list snapshots so a stale one never lands last
	listMu sync.Mutex
}

// NewHub builds a hub; origins limits browser upgrades, "*" allows any.
func NewHub(deps Deps, cfg config.RealtimeConfig, origins []string, log zerolog.Logger) *Hub {
	h := &Hub{
		deps: deps,
		cfg:  cfg,
		log:  log.With().Str("component", "realtime").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      originChecker(origins),
	}
	return h
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// ServeHTTP upgrades the request and runs the connection until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	ctx := r.Context()
	tok, err := h.handshake(ctx, conn, requestToken(r))
	if err != nil {
		h.rejectHandshake(conn, err)
		return
	}

	client := newClient(conn, h.cfg, h.log)
	sess, first := h.deps.Registry.Open(client, tok)
	go client.writePump()

	h.log.Info().Str("conn_id", client.ID()).Str("user", sess.Username).Msg("session opened")
	if first {
		h.broadcastUserList(ctx)
	} else {
		h.sendUserList(ctx, sess)
	}

	client.readPump(func(env Envelope) {
		h.dispatch(ctx, sess, env)
	})

	client.Close("connection closed")
	if _, last := h.deps.Registry.Unregister(client.ID()); last {
		h.deps.Typing.Forget(sess.UserID)
		h.broadcastUserList(ctx)
	}
	h.log.Info().Str("conn_id", client.ID()).Str("user", sess.Username).Msg("session closed")
}

func requestToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// handshake authenticates the connection before any other traffic. When
// the upgrade request carried no token the first frame must be
// authenticate, within the handshake window.
func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn, raw string) (security.Token, error) {
	if raw == "" {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
		conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return security.Token{}, service.ErrNoToken
		}
		if env.Event != EventAuthenticate {
			return security.Token{}, service.ErrNoToken
		}
		var req tokenRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.Token == "" {
			return security.Token{}, service.ErrNoToken
		}
		raw = req.Token
		conn.SetReadDeadline(time.Time{})
	}
	return h.deps.Auth.Authenticate(ctx, raw)
}

func (h *Hub) rejectHandshake(conn *websocket.Conn, err error) {
	code := service.ErrorCode(err)
	h.log.Debug().Err(err).Str("code", code).Msg("handshake rejected")

	deadline := time.Now().Add(h.cfg.WriteTimeout)
	conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(outbound{Event: EventAuthError, Data: ErrorPayload{Code: code, Message: service.ErrorMessage(err)}})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
	conn.Close()
}

func (h *Hub) sendUserList(ctx context.Context, sess *session.Session) {
	h.listMu.Lock()
	defer h.listMu.Unlock()
	users, online, err := h.directorySnapshot(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("list users")
		return
	}
	sess.Send(session.Event{Name: EventUserList, Data: userList(users, online, sess.UserID)})
}

// broadcastUserList pushes a fresh user_list to every live session after
// an identity came online, went offline or changed status.
func (h *Hub) broadcastUserList(ctx context.Context) {
	h.listMu.Lock()
	defer h.listMu.Unlock()
	users, online, err := h.directorySnapshot(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("list users")
		return
	}
	lists := make(map[string][]UserEntry)
	for _, sess := range h.deps.Registry.All() {
		list, ok := lists[sess.UserID]
		if !ok {
			list = userList(users, online, sess.UserID)
			lists[sess.UserID] = list
		}
		sess.Send(session.Event{Name: EventUserList, Data: list})
	}
}

func (h *Hub) directorySnapshot(ctx context.Context) ([]models.User, map[string]models.Status, error) {
	users, err := h.deps.Users.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	online := make(map[string]models.Status)
	for _, p := range h.deps.Registry.ListOnline() {
		online[p.UserID] = p.Status
	}
	return users, online, nil
}

func userList(users []models.User, online map[string]models.Status, self string) []UserEntry {
	list := make([]UserEntry, 0, len(users))
	for _, u := range users {
		if u.ID == self {
			continue
		}
		entry := UserEntry{Username: u.Username, Status: models.StatusAvailable}
		if status, ok := online[u.ID]; ok {
			entry.Online = true
			if status != "" {
				entry.Status = status
			}
		}
		list = append(list, entry)
	}
	return list
}

// ExpireSessions closes every session whose token lapsed before now and
// returns how many were closed.
func (h *Hub) ExpireSessions(now time.Time) int {
	expired := h.deps.Registry.Expired(now)
	for _, sess := range expired {
		sess.Send(session.Event{Name: EventAuthError, Data: ErrorPayload{Code: service.CodeInvalidToken, Message: "token expired"}})
		sess.Close("token expired")
	}
	return len(expired)
}

// Logout closes the live sessions opened with tokenID.
func (h *Hub) Logout(tokenID string) int {
	sessions := h.deps.Registry.SessionsByToken(tokenID)
	for _, sess := range sessions {
		sess.Send(session.Event{Name: EventAuthError, Data: ErrorPayload{Code: service.CodeTokenRevoked, Message: "logged out"}})
		sess.Close("logged out")
	}
	return len(sessions)
}

// Shutdown closes every live connection, for process exit.
func (h *Hub) Shutdown() {
	for _, sess := range h.deps.Registry.All() {
		sess.Close("server shutting down")
	}
}

func (h *Hub) fail(sess *session.Session, err error) {
	sess.Send(session.Event{Name: EventError, Data: ErrorPayload{Code: service.ErrorCode(err), Message: service.ErrorMessage(err)}})
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", apperr.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed data: %v", apperr.ErrValidation, err)
	}
	return nil
}

func (h *Hub) resolveUsername(ctx context.Context, username string) (models.User, error) {
	if strings.TrimSpace(username) == "" {
		return models.User{}, fmt.Errorf("%w: username required", apperr.ErrValidation)
	}
	user, err := h.deps.Users.LookupUsername(ctx, username)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return models.User{}, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	return user, err
}
