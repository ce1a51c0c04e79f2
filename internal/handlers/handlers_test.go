package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chatcore/internal/config"
	"chatcore/internal/directory"
	"chatcore/internal/identity"
	"chatcore/internal/middleware"
	"chatcore/internal/models"
	"chatcore/internal/router"
	"chatcore/internal/search"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/session"
	"chatcore/internal/storage"
	"chatcore/internal/store/sqlitestore"
	"chatcore/internal/typing"
)

type nopConn struct{ id string }

func (n nopConn) ID() string            { return n.id }
func (nopConn) Send(session.Event) bool { return true }
func (nopConn) Close(string)            {}

type disconnects struct {
	tokens []string
	rooms  []models.Room
}

func (d *disconnects) Logout(tokenID string) int {
	d.tokens = append(d.tokens, tokenID)
	return 1
}

func (d *disconnects) AnnounceGroup(_ context.Context, room models.Room) error {
	d.rooms = append(d.rooms, room)
	return nil
}

type testAPI struct {
	engine   *gin.Engine
	auth     *service.AuthService
	router   *router.Router
	registry *session.Registry
	realtime *disconnects
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	log := zerolog.Nop()

	db, err := sqlitestore.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.AppConfig{
		Environment: "test",
		Security: config.SecurityConfig{
			JWTSecret:       "test",
			SignatureSecret: "files",
			TokenTTL:        time.Hour,
			RefreshGrace:    time.Hour,
		},
		Upload: config.UploadConfig{MaxBytes: 1 << 20, AllowedTypes: []string{"text/plain", "image/png"}},
	}

	users := identity.NewProvider(db).WithParams(security.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8})
	auth := service.NewAuthService(users, security.NewTokenService(cfg.Security), security.NewMemoryRevoker(), log)
	uploads := service.NewUploadService(db, storage.NewMemoryStore(), cfg, log)
	dir := directory.New(db, db, log)
	registry := session.NewRegistry(dir, log)
	rt := router.New(router.Deps{
		Sessions:    registry,
		Directory:   dir,
		Users:       users,
		Messages:    db,
		Attachments: db,
		Typing:      typing.NewBroadcaster(registry, dir, time.Second, log),
		Links:       uploads,
	}, 50, log)

	api := &testAPI{auth: auth, router: rt, registry: registry, realtime: &disconnects{}}
	set := NewHandlerSet(log, cfg, Deps{
		Auth:      auth,
		Uploads:   uploads,
		Users:     users,
		Directory: dir,
		Router:    rt,
		Search:    search.New(db, 20),
		Messages:  db,
		Registry:  registry,
		Realtime:  api.realtime,
		Probes:    map[string]Probe{"database": db.Ping},
	})

	engine := gin.New()
	engine.Use(middleware.RequestID(log), middleware.Recovery(log))
	set.Register(engine.Group("/api"))
	api.engine = engine
	return api
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	File    json.RawMessage `json:"file"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return a.serve(t, req)
}

func (a *testAPI) serve(t *testing.T, req *http.Request) (int, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)
	var env envelope
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v", req.Method, req.URL, err)
		}
	}
	return rec.Code, env
}

func (a *testAPI) register(t *testing.T, username string) authResponse {
	t.Helper()
	status, env := a.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"username": username, "password": "pw-" + username})
	if status != http.StatusCreated {
		t.Fatalf("register %s: %d %+v", username, status, env)
	}
	var resp authResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	return resp
}

func TestAuthFlow(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register(t, "alice")
	if alice.Token == "" || alice.User.Username != "alice" {
		t.Fatalf("register response %+v", alice)
	}

	status, env := api.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"username": "alice", "password": "other"})
	if status != http.StatusConflict || env.Code != service.CodeUsernameTaken {
		t.Errorf("duplicate register = %d %s", status, env.Code)
	}

	status, env = api.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice", "password": "wrong"})
	if status != http.StatusUnauthorized || env.Code != service.CodeInvalidCredentials {
		t.Errorf("bad login = %d %s", status, env.Code)
	}

	status, env = api.do(t, http.MethodGet, "/api/auth/me", "", nil)
	if status != http.StatusUnauthorized || env.Code != service.CodeNoToken {
		t.Errorf("me without token = %d %s", status, env.Code)
	}

	status, env = api.do(t, http.MethodGet, "/api/auth/me", alice.Token, nil)
	if status != http.StatusOK {
		t.Fatalf("me = %d %+v", status, env)
	}

	status, env = api.do(t, http.MethodPost, "/api/auth/refresh", "", gin.H{"token": alice.Token})
	if status != http.StatusOK {
		t.Fatalf("refresh = %d %+v", status, env)
	}

	status, _ = api.do(t, http.MethodPost, "/api/auth/logout", alice.Token, nil)
	if status != http.StatusOK {
		t.Fatalf("logout = %d", status)
	}
	if len(api.realtime.tokens) != 1 {
		t.Errorf("live sessions not closed on logout")
	}
	status, env = api.do(t, http.MethodGet, "/api/auth/me", alice.Token, nil)
	if status != http.StatusUnauthorized || env.Code != service.CodeTokenRevoked {
		t.Errorf("me after logout = %d %s", status, env.Code)
	}
}

func TestRoomsAndHistory(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register(t, "alice")
	api.register(t, "bob")
	carol := api.register(t, "carol")

	status, env := api.do(t, http.MethodPost, "/api/rooms", alice.Token, gin.H{"name": "team", "members": []string{"bob"}})
	if status != http.StatusCreated {
		t.Fatalf("create room = %d %+v", status, env)
	}
	var room roomResponse
	json.Unmarshal(env.Data, &room)
	if room.Name != "team" || len(room.Members) != 2 || room.CreatedBy != "alice" {
		t.Errorf("room = %+v", room)
	}
	if len(api.realtime.rooms) != 1 || api.realtime.rooms[0].ID != room.ID {
		t.Errorf("room not announced to live sessions: %+v", api.realtime.rooms)
	}

	status, env = api.do(t, http.MethodGet, "/api/rooms", alice.Token, nil)
	var rooms []roomResponse
	json.Unmarshal(env.Data, &rooms)
	if status != http.StatusOK || len(rooms) != 1 {
		t.Errorf("list rooms = %d %+v", status, rooms)
	}

	tok, err := api.auth.Authenticate(context.Background(), alice.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	api.registry.Register(nopConn{id: "c1"}, tok)
	if _, err := api.router.SendGroup(context.Background(), "c1", router.Outbound{RoomID: room.ID, Body: "hello"}); err != nil {
		t.Fatalf("SendGroup: %v", err)
	}

	status, env = api.do(t, http.MethodGet, "/api/messages/group/"+room.ID, alice.Token, nil)
	var msgs []router.Payload
	json.Unmarshal(env.Data, &msgs)
	if status != http.StatusOK || len(msgs) != 1 || msgs[0].Message != "hello" {
		t.Errorf("group history = %d %+v", status, msgs)
	}

	status, env = api.do(t, http.MethodGet, "/api/messages/group/"+room.ID, carol.Token, nil)
	if status != http.StatusForbidden || env.Code != "FORBIDDEN" {
		t.Errorf("non-member history = %d %s", status, env.Code)
	}

	status, env = api.do(t, http.MethodGet, "/api/messages/conversations", alice.Token, nil)
	var convs []conversationResponse
	json.Unmarshal(env.Data, &convs)
	if status != http.StatusOK || len(convs) != 1 || convs[0].RoomName != "team" {
		t.Errorf("conversations = %d %+v", status, convs)
	}

	status, env = api.do(t, http.MethodGet, "/api/messages/search?q=HELLO", alice.Token, nil)
	json.Unmarshal(env.Data, &msgs)
	if status != http.StatusOK || len(msgs) != 1 {
		t.Errorf("search = %d %+v", status, msgs)
	}
}

func TestUploadDownloadDelete(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register(t, "alice")
	bob := api.register(t, "bob")

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, _ := form.CreateFormFile("file", "notes.txt")
	part.Write([]byte("meeting at noon"))
	form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+alice.Token)
	status, env := api.serve(t, req)
	if status != http.StatusCreated || !env.Success {
		t.Fatalf("upload = %d %+v", status, env)
	}
	var file router.FileData
	json.Unmarshal(env.File, &file)
	if file.OriginalName != "notes.txt" || file.MimeType != "text/plain" || file.URL == "" {
		t.Fatalf("file = %+v", file)
	}

	rec := httptest.NewRecorder()
	api.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, file.URL, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "meeting at noon" {
		t.Errorf("download = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	api.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/"+file.Filename+"?sig=forged", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("forged download = %d", rec.Code)
	}

	status, env = api.do(t, http.MethodDelete, "/api/upload/"+file.Filename, bob.Token, nil)
	if status != http.StatusForbidden {
		t.Errorf("delete by non-owner = %d %s", status, env.Code)
	}
	status, _ = api.do(t, http.MethodDelete, "/api/upload/"+file.Filename, alice.Token, nil)
	if status != http.StatusOK {
		t.Errorf("delete by owner = %d", status)
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()
	api.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
	var resp healthResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Checks["database"] != "ok" {
		t.Errorf("health = %+v", resp)
	}
}
