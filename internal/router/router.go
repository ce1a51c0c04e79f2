// Package router validates, persists and fans out chat messages.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/ids"
	"chatcore/internal/models"
	"chatcore/internal/session"
	"chatcore/internal/store"
)

// MaxBodyRunes caps a message body, counted in runes.
const MaxBodyRunes = 4000

// Sessions resolves the sender connection and the recipients' live sessions.
type Sessions interface {
	Lookup(connectionID string) (*session.Session, bool)
	SessionsOf(userID string) []*session.Session
}

// Directory answers membership for a conversation.
type Directory interface {
	IsMember(ctx context.Context, ref models.ConversationRef, userID string) (bool, error)
	Room(ctx context.Context, roomID string) (models.Room, error)
}

// Users resolves recipient identities.
type Users interface {
	Lookup(ctx context.Context, id string) (models.User, error)
}

// TypingStopper clears the sender's typing indicator once a message went out.
type TypingStopper interface {
	StopOnSend(userID string, ref models.ConversationRef)
}

// Deps are the collaborators a Router routes through.
type Deps struct {
	Sessions    Sessions
	Directory   Directory
	Users       Users
	Messages    store.MessageStore
	Attachments store.AttachmentStore
	Typing      TypingStopper
	Links       Linker
}

// Outbound is a send request from a live session. To carries the
// recipient identity id for private sends, RoomID the group for group
// sends.
type Outbound struct {
	To         string
	RoomID     string
	Body       string
	Attachment string
	ClientID   string
}

// Router validates, persists and fans out messages. Sends within one
// conversation are serialized so every session sees them in seq order.
type Router struct {
	deps     Deps
	pageSize int
	locks    *keyedMutex
	now      func() time.Time
	log      zerolog.Logger
}

// New builds a Router; pageSize caps history pages.
func New(deps Deps, pageSize int, log zerolog.Logger) *Router {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Router{
		deps:     deps,
		pageSize: pageSize,
		locks:    newKeyedMutex(),
		now:      time.Now,
		log:      log.With().Str("component", "router").Logger(),
	}
}

// SendPrivate delivers out to its recipient and to the sender's other sessions.
func (r *Router) SendPrivate(ctx context.Context, connectionID string, out Outbound) (models.Message, error) {
	from, err := r.liveSession(connectionID)
	if err != nil {
		return models.Message{}, err
	}
	if err := validateBody(out); err != nil {
		return models.Message{}, err
	}
	if out.To == "" {
		return models.Message{}, fmt.Errorf("%w: recipient required", apperr.ErrValidation)
	}
	if out.To == from.UserID {
		return models.Message{}, fmt.Errorf("%w: cannot message yourself", apperr.ErrValidation)
	}

	recipient, err := r.deps.Users.Lookup(ctx, out.To)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		Conversation:  models.PrivateRef(from.UserID, recipient.ID),
		SenderID:      from.UserID,
		SenderName:    from.Username,
		RecipientID:   recipient.ID,
		RecipientName: recipient.Username,
		Body:          out.Body,
	}
	return r.dispatch(ctx, from, msg, out, []string{recipient.ID}, EventReceivePrivate)
}

// SendGroup delivers out to every live session of the room's members.
func (r *Router) SendGroup(ctx context.Context, connectionID string, out Outbound) (models.Message, error) {
	from, err := r.liveSession(connectionID)
	if err != nil {
		return models.Message{}, err
	}
	if err := validateBody(out); err != nil {
		return models.Message{}, err
	}
	if out.RoomID == "" {
		return models.Message{}, fmt.Errorf("%w: room required", apperr.ErrValidation)
	}

	room, err := r.deps.Directory.Room(ctx, out.RoomID)
	if err != nil {
		return models.Message{}, err
	}
	if !room.HasMember(from.UserID) {
		return models.Message{}, fmt.Errorf("%w: not a member of room %s", apperr.ErrForbidden, room.ID)
	}

	msg := models.Message{
		Conversation: models.GroupRef(room.ID),
		RoomID:       room.ID,
		SenderID:     from.UserID,
		SenderName:   from.Username,
		Body:         out.Body,
	}
	return r.dispatch(ctx, from, msg, out, room.Members, EventReceiveGroup)
}

// dispatch persists msg and, only once that succeeded, delivers it. The
// conversation lock makes live delivery order match seq order.
func (r *Router) dispatch(ctx context.Context, from *session.Session, msg models.Message, out Outbound, recipients []string, event string) (models.Message, error) {
	if out.Attachment != "" {
		att, err := r.attachment(ctx, from.UserID, out.Attachment)
		if err != nil {
			return models.Message{}, err
		}
		msg.Attachment = &att
	}

	unlock := r.locks.Lock(msg.Conversation.String())
	defer unlock()

	msg.ID = ids.New()
	msg.CreatedAt = r.now().UTC()

	// a disconnect mid-send must not abort the write
	if err := r.deps.Messages.SaveMessage(context.WithoutCancel(ctx), &msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Message{}, fmt.Errorf("%w: attachment %s is no longer available", apperr.ErrValidation, out.Attachment)
		}
		r.log.Error().Err(err).Str("conv", msg.Conversation.String()).Str("from", from.Username).Msg("persist message")
		return models.Message{}, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	payload := NewPayload(msg, r.deps.Links)
	delivered := make(map[string]struct{})

	ack := payload
	ack.ClientID = out.ClientID
	ackEvt := session.Event{Name: EventMessageSent, Data: ack}
	for _, sess := range r.deps.Sessions.SessionsOf(from.UserID) {
		delivered[sess.ID()] = struct{}{}
		sess.Deliver(msg.ID, ackEvt)
	}

	evt := session.Event{Name: event, Data: payload}
	for _, userID := range recipients {
		for _, sess := range r.deps.Sessions.SessionsOf(userID) {
			if _, dup := delivered[sess.ID()]; dup {
				continue
			}
			delivered[sess.ID()] = struct{}{}
			sess.Deliver(msg.ID, evt)
		}
	}

	if r.deps.Typing != nil {
		r.deps.Typing.StopOnSend(from.UserID, msg.Conversation)
	}

	r.log.Debug().
		Str("id", msg.ID).
		Int64("seq", msg.Seq).
		Str("conv", msg.Conversation.String()).
		Int("sessions", len(delivered)).
		Msg("message routed")
	return msg, nil
}

// History pages backward from the message id before (newest when empty).
// Each page is in ascending order.
func (r *Router) History(ctx context.Context, userID string, ref models.ConversationRef, before string, limit int) ([]models.Message, error) {
	member, err := r.deps.Directory.IsMember(ctx, ref, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, fmt.Errorf("%w: not part of %s", apperr.ErrForbidden, ref)
	}
	if limit <= 0 || limit > r.pageSize {
		limit = r.pageSize
	}

	msgs, err := r.deps.Messages.History(ctx, ref, before, limit)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown history cursor %q", apperr.ErrValidation, before)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load history: %v", apperr.ErrPersistence, err)
	}
	return msgs, nil
}

// Links returns the attachment URL builder used for payloads.
func (r *Router) Links() Linker {
	return r.deps.Links
}

func (r *Router) liveSession(connectionID string) (*session.Session, error) {
	sess, ok := r.deps.Sessions.Lookup(connectionID)
	if !ok {
		return nil, apperr.ErrUnauthenticated
	}
	if _, exp := sess.Token(); r.now().After(exp) {
		return nil, fmt.Errorf("%w: session token expired", apperr.ErrUnauthenticated)
	}
	return sess, nil
}

func (r *Router) attachment(ctx context.Context, userID, filename string) (models.Attachment, error) {
	att, err := r.deps.Attachments.AttachmentByFilename(ctx, filename)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Attachment{}, fmt.Errorf("%w: unknown attachment %s", apperr.ErrValidation, filename)
		}
		return models.Attachment{}, fmt.Errorf("%w: load attachment: %v", apperr.ErrPersistence, err)
	}
	if att.OwnerID != userID {
		return models.Attachment{}, fmt.Errorf("%w: attachment belongs to another user", apperr.ErrForbidden)
	}
	if att.MessageID != nil {
		return models.Attachment{}, fmt.Errorf("%w: attachment already sent", apperr.ErrValidation)
	}
	return att, nil
}

func validateBody(out Outbound) error {
	if strings.TrimSpace(out.Body) == "" && out.Attachment == "" {
		return fmt.Errorf("%w: message is empty", apperr.ErrValidation)
	}
	if utf8.RuneCountInString(out.Body) > MaxBodyRunes {
		return fmt.Errorf("%w: message exceeds %d characters", apperr.ErrValidation, MaxBodyRunes)
	}
	return nil
}
