// Package typing keeps the ephemeral typing indicators. Nothing here is
// persisted.
package typing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/models"
	"chatcore/internal/session"
)

const (
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
)

type Sessions interface {
	SessionsOf(userID string) []*session.Session
}

type Members interface {
	MembersOf(ctx context.Context, ref models.ConversationRef) ([]string, error)
}

// Indicator is the payload of typing and stop_typing.
type Indicator struct {
	From   string                  `json:"from"`
	Type   models.ConversationKind `json:"type"`
	RoomID string                  `json:"roomId,omitempty"`
}

type pairKey struct {
	conv string
	user string
}

type entry struct {
	ref      models.ConversationRef
	username string
	active   bool
	seq      int64
	gen      uint64
	timer    *time.Timer
	targets  []*session.Session
}

// Broadcaster runs one Idle/Typing state machine per (conversation,
// sender). Typing expires after the window unless renewed.
type Broadcaster struct {
	sessions Sessions
	members  Members
	window   time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[pairKey]*entry
}

func NewBroadcaster(sessions Sessions, members Members, window time.Duration, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		sessions: sessions,
		members:  members,
		window:   window,
		log:      log.With().Str("component", "typing").Logger(),
		entries:  make(map[pairKey]*entry),
	}
}

// Start moves the pair to Typing, or extends the window if it already is.
// A positive seq not greater than the last one seen for the pair marks a
// stale event, which is ignored.
func (b *Broadcaster) Start(ctx context.Context, from *session.Session, ref models.ConversationRef, seq int64) error {
	targets, err := b.audience(ctx, from.UserID, ref)
	if err != nil {
		return err
	}

	key := pairKey{conv: ref.String(), user: from.UserID}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[key]
	if e == nil {
		e = &entry{ref: ref, username: from.Username}
		b.entries[key] = e
	}
	if stale(e, seq) {
		return nil
	}

	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.targets = targets
	e.timer = time.AfterFunc(b.window, func() { b.expire(key, gen) })

	if !e.active {
		e.active = true
		b.emitLocked(e, EventTyping)
	}
	return nil
}

// Stop handles an explicit stop_typing.
func (b *Broadcaster) Stop(from *session.Session, ref models.ConversationRef, seq int64) {
	key := pairKey{conv: ref.String(), user: from.UserID}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[key]
	if e == nil || stale(e, seq) {
		return
	}
	b.stopLocked(e)
}

// StopOnSend clears the sender's indicator once a message went out.
func (b *Broadcaster) StopOnSend(userID string, ref models.ConversationRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e := b.entries[pairKey{conv: ref.String(), user: userID}]; e != nil {
		b.stopLocked(e)
	}
}

// Forget drops every indicator of an identity that went offline.
func (b *Broadcaster) Forget(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, e := range b.entries {
		if key.user != userID {
			continue
		}
		b.stopLocked(e)
		delete(b.entries, key)
	}
}

func (b *Broadcaster) Active(ref models.ConversationRef, userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[pairKey{conv: ref.String(), user: userID}]
	return e != nil && e.active
}

func (b *Broadcaster) expire(key pairKey, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[key]
	if e == nil || e.gen != gen || !e.active {
		return
	}
	b.log.Debug().Str("conv", key.conv).Str("user", e.username).Msg("typing expired")
	b.stopLocked(e)
}

func (b *Broadcaster) stopLocked(e *entry) {
	if !e.active {
		return
	}
	e.active = false
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	b.emitLocked(e, EventStopTyping)
	e.targets = nil
}

func (b *Broadcaster) emitLocked(e *entry, name string) {
	payload := Indicator{From: e.username, Type: e.ref.Kind}
	if e.ref.Kind == models.KindGroup {
		payload.RoomID = e.ref.ID
	}
	evt := session.Event{Name: name, Data: payload}
	for _, target := range e.targets {
		target.Send(evt)
	}
}

// audience lists the sessions entitled to see userID typing in ref: the
// other party of a private pair, or group members whose session joined
// the room. The sender's own sessions are never included.
func (b *Broadcaster) audience(ctx context.Context, userID string, ref models.ConversationRef) ([]*session.Session, error) {
	members, err := b.members.MembersOf(ctx, ref)
	if err != nil {
		return nil, err
	}

	isMember := false
	for _, m := range members {
		if m == userID {
			isMember = true
			break
		}
	}
	if !isMember {
		return nil, fmt.Errorf("%w: not part of %s", apperr.ErrForbidden, ref)
	}

	var out []*session.Session
	for _, m := range members {
		if m == userID {
			continue
		}
		for _, sess := range b.sessions.SessionsOf(m) {
			if ref.Kind == models.KindGroup && !sess.InRoom(ref.ID) {
				continue
			}
			out = append(out, sess)
		}
	}
	return out, nil
}

func stale(e *entry, seq int64) bool {
	if seq <= 0 {
		return false
	}
	if seq <= e.seq {
		return true
	}
	e.seq = seq
	return false
}
