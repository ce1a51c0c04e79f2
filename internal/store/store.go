package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatcore/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

type UserStore interface {
	CreateUser(ctx context.Context, user models.User) error
	UserByID(ctx context.Context, id string) (models.User, error)
	UserByUsername(ctx context.Context, username string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

type RoomStore interface {
	CreateRoom(ctx context.Context, room models.Room) error
	RoomByID(ctx context.Context, id string) (models.Room, error)
	RoomsForUser(ctx context.Context, userID string) ([]models.Room, error)
}

type MessageStore interface {
	// SaveMessage persists msg, assigning msg.Seq from the conversation
	// counter inside the same transaction. A referenced attachment is
	// linked to the message in that transaction as well; ErrNotFound is
	// returned if it is missing, owned by someone else, or already used.
	SaveMessage(ctx context.Context, msg *models.Message) error
	// History returns up to limit messages older than the message with id
	// before (newest when before is empty), in ascending seq order. A
	// cursor that is not a message of conv yields ErrNotFound.
	History(ctx context.Context, conv models.ConversationRef, before string, limit int) ([]models.Message, error)
	PrivatePartners(ctx context.Context, userID string) ([]string, error)
	SearchMessages(ctx context.Context, userID, query string, limit int) ([]models.Message, error)
	Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

type AttachmentStore interface {
	CreateAttachment(ctx context.Context, att models.Attachment) error
	AttachmentByFilename(ctx context.Context, filename string) (models.Attachment, error)
	// DeleteUnlinkedAttachment removes the row only while no message
	// references it; ErrNotFound covers both a missing and a linked row.
	DeleteUnlinkedAttachment(ctx context.Context, filename string) error
	// OrphanedAttachments lists attachments never linked to a message and
	// created before cutoff.
	OrphanedAttachments(ctx context.Context, cutoff time.Time, limit int) ([]models.Attachment, error)
}

type Store interface {
	UserStore
	RoomStore
	MessageStore
	AttachmentStore
	Ping(ctx context.Context) error
	Close() error
}

// LikePattern escapes LIKE metacharacters in q and wraps it for a
// substring match using '\' as the escape character.
func LikePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(q)) + "%"
}

// Reverse flips a page queried newest-first into ascending order.
func Reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
