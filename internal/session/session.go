// Package session tracks live authenticated connections and the presence
// they imply.
package session

import (
	"sync"
	"time"

	"chatcore/internal/models"
	"chatcore/internal/security"
)

// Event is one outbound frame: an event name and its JSON payload.
type Event struct {
	Name string
	Data any
}

// Conn is the transport handle a session writes through. Send must not
// block; it reports false when the frame could not be queued.
type Conn interface {
	ID() string
	Send(evt Event) bool
	Close(reason string)
}

const recentWindow = 256

type Session struct {
	conn      Conn
	UserID    string
	Username  string
	CreatedAt time.Time

	mu        sync.Mutex
	tokenID   string
	issuedAt  time.Time
	expiresAt time.Time
	rooms     map[string]struct{}
	recent    [recentWindow]string
	next      int
	seen      map[string]struct{}
}

func newSession(conn Conn, tok security.Token, now time.Time) *Session {
	return &Session{
		conn:      conn,
		UserID:    tok.Subject,
		Username:  tok.Username,
		CreatedAt: now,
		tokenID:   tok.ID,
		issuedAt:  tok.IssuedAt,
		expiresAt: tok.ExpiresAt,
		rooms:     make(map[string]struct{}),
		seen:      make(map[string]struct{}, recentWindow),
	}
}

func (s *Session) ID() string { return s.conn.ID() }

func (s *Session) Send(evt Event) bool { return s.conn.Send(evt) }

func (s *Session) Close(reason string) { s.conn.Close(reason) }

// Deliver sends evt unless messageID was already delivered to this
// session recently.
func (s *Session) Deliver(messageID string, evt Event) bool {
	s.mu.Lock()
	if _, dup := s.seen[messageID]; dup {
		s.mu.Unlock()
		return false
	}
	if old := s.recent[s.next]; old != "" {
		delete(s.seen, old)
	}
	s.recent[s.next] = messageID
	s.next = (s.next + 1) % recentWindow
	s.seen[messageID] = struct{}{}
	s.mu.Unlock()

	return s.conn.Send(evt)
}

func (s *Session) Token() (id string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenID, s.expiresAt
}

func (s *Session) renew(tok security.Token) {
	s.mu.Lock()
	s.tokenID = tok.ID
	s.issuedAt = tok.IssuedAt
	s.expiresAt = tok.ExpiresAt
	s.mu.Unlock()
}

func (s *Session) JoinRoom(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) LeaveRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Session) Presence(status models.Status) models.Presence {
	return models.Presence{UserID: s.UserID, Username: s.Username, Status: status, Online: true}
}
