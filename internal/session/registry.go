package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/models"
	"chatcore/internal/security"
)

const EventPresence = "presence"

// PeerFinder returns the identities interested in userID's status: private
// partners and group co-members.
type PeerFinder interface {
	Peers(ctx context.Context, userID string) ([]string, error)
}

// Registry owns the live session set. Every mutation happens under the
// write lock and its presence broadcast is emitted before the lock is
// released, so all subscribers observe presence changes in one order.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	status   map[string]models.Status
	lastSeen map[string]time.Time

	peers PeerFinder
	log   zerolog.Logger
	now   func() time.Time
}

func NewRegistry(peers PeerFinder, log zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		status:   make(map[string]models.Status),
		lastSeen: make(map[string]time.Time),
		peers:    peers,
		log:      log.With().Str("component", "registry").Logger(),
		now:      time.Now,
	}
}

// Register adds a live session for the token's identity. An identity may
// hold any number of sessions; the first one announces it online.
func (r *Registry) Register(conn Conn, tok security.Token) *Session {
	sess, _ := r.Open(conn, tok)
	return sess
}

// Open is Register that also reports whether the session brought its
// identity online.
func (r *Registry) Open(conn Conn, tok security.Token) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := newSession(conn, tok, r.now())
	r.sessions[conn.ID()] = sess

	userSessions, online := r.byUser[sess.UserID]
	if !online {
		userSessions = make(map[string]*Session)
		r.byUser[sess.UserID] = userSessions
		r.status[sess.UserID] = models.StatusAvailable
	}
	userSessions[conn.ID()] = sess

	r.log.Debug().Str("conn", conn.ID()).Str("user", sess.Username).Int("sessions", len(userSessions)).Msg("session registered")

	if !online {
		r.broadcastLocked(sess.Presence(models.StatusAvailable), conn.ID())
	}
	return sess, !online
}

// Unregister removes the session. It reports whether that was the
// identity's last live session, in which case an offline presence with a
// last-seen time has been broadcast.
func (r *Registry) Unregister(connectionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connectionID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, connectionID)

	userSessions := r.byUser[sess.UserID]
	delete(userSessions, connectionID)
	if len(userSessions) > 0 {
		return sess, false
	}

	last := r.status[sess.UserID]
	delete(r.byUser, sess.UserID)
	delete(r.status, sess.UserID)
	seen := r.now()
	r.lastSeen[sess.UserID] = seen

	r.log.Debug().Str("user", sess.Username).Msg("identity offline")
	r.broadcastLocked(models.Presence{
		UserID:   sess.UserID,
		Username: sess.Username,
		Status:   last,
		Online:   false,
		LastSeen: &seen,
	}, "")
	return sess, true
}

// SetStatus records status for the session's identity and notifies its
// peers and the identity's other sessions.
func (r *Registry) SetStatus(ctx context.Context, connectionID string, status models.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", apperr.ErrValidation, status)
	}

	sess, ok := r.Lookup(connectionID)
	if !ok {
		return apperr.ErrUnauthenticated
	}

	var peers []string
	if r.peers != nil {
		found, err := r.peers.Peers(ctx, sess.UserID)
		if err != nil {
			return fmt.Errorf("%w: resolve peers: %v", apperr.ErrPersistence, err)
		}
		peers = found
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// the connection may have gone while peers were being resolved
	if _, live := r.sessions[connectionID]; !live {
		return apperr.ErrUnauthenticated
	}
	r.status[sess.UserID] = status

	evt := Event{Name: EventPresence, Data: sess.Presence(status)}
	targets := append([]string{sess.UserID}, peers...)
	sent := make(map[string]struct{})
	for _, userID := range targets {
		for id, other := range r.byUser[userID] {
			if _, dup := sent[id]; dup || id == connectionID {
				continue
			}
			sent[id] = struct{}{}
			other.Send(evt)
		}
	}
	return nil
}

// ListOnline returns a snapshot of every online identity, sorted by
// username.
func (r *Registry) ListOnline() []models.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Presence, 0, len(r.byUser))
	for userID, sessions := range r.byUser {
		for _, sess := range sessions {
			out = append(out, sess.Presence(r.status[userID]))
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (r *Registry) Lookup(connectionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connectionID]
	return sess, ok
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) Status(userID string) (models.Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.status[userID]
	return status, ok
}

func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[userID]
	return t, ok
}

func (r *Registry) SessionsOf(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUser[userID]))
	for _, sess := range r.byUser[userID] {
		out = append(out, sess)
	}
	return out
}

func (r *Registry) SessionsByToken(tokenID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, sess := range r.sessions {
		if id, _ := sess.Token(); id == tokenID {
			out = append(out, sess)
		}
	}
	return out
}

// Renew swaps the credentials of a live session after an in-band refresh.
// The new token must belong to the same identity.
func (r *Registry) Renew(connectionID string, tok security.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[connectionID]
	if !ok {
		return apperr.ErrUnauthenticated
	}
	if sess.UserID != tok.Subject {
		return fmt.Errorf("%w: token belongs to another identity", apperr.ErrForbidden)
	}
	sess.renew(tok)
	return nil
}

// Expired returns the sessions whose token expired before now.
func (r *Registry) Expired(now time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, sess := range r.sessions {
		if _, exp := sess.Token(); now.After(exp) {
			out = append(out, sess)
		}
	}
	return out
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) broadcastLocked(p models.Presence, except string) {
	evt := Event{Name: EventPresence, Data: p}
	for id, sess := range r.sessions {
		if id == except {
			continue
		}
		sess.Send(evt)
	}
}
