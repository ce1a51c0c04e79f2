package pgstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"chatcore/internal/models"
	"chatcore/internal/store"
)

const messageSelect = `
	SELECT m.id, m.seq, m.conversation, m.room_id, m.sender_id, COALESCE(s.username, ''),
	       m.recipient_id, r.username, m.body, m.created_at,
	       a.filename, a.original_name, a.size, a.mime_type, a.owner_id, a.created_at
	FROM messages m
	LEFT JOIN users s ON s.id = m.sender_id
	LEFT JOIN users r ON r.id = m.recipient_id
	LEFT JOIN attachments a ON a.filename = m.attachment
`

func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	conv := msg.Conversation.String()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// the counter row lock serialises concurrent writers per conversation
		const nextSeq = `
			INSERT INTO conversation_counters (conversation, last_seq) VALUES ($1, 1)
			ON CONFLICT (conversation)
			DO UPDATE SET last_seq = conversation_counters.last_seq + 1
			RETURNING last_seq
		`
		if err := tx.QueryRow(ctx, nextSeq, conv).Scan(&msg.Seq); err != nil {
			return fmt.Errorf("allocate seq: %w", err)
		}

		var attachment *string
		if msg.Attachment != nil {
			const link = `
				UPDATE attachments SET message_id = $1
				WHERE filename = $2 AND owner_id = $3 AND message_id IS NULL
			`
			cmd, err := tx.Exec(ctx, link, msg.ID, msg.Attachment.Filename, msg.SenderID)
			if err != nil {
				return fmt.Errorf("link attachment: %w", err)
			}
			if cmd.RowsAffected() == 0 {
				return store.ErrNotFound
			}
			attachment = &msg.Attachment.Filename
			msg.Attachment.MessageID = &msg.ID
		}

		const insert = `
			INSERT INTO messages (
				id, conversation, seq, kind, room_id, sender_id, recipient_id, body, attachment, created_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
			)
		`
		if _, err := tx.Exec(ctx, insert,
			msg.ID,
			conv,
			msg.Seq,
			string(msg.Conversation.Kind),
			nullable(msg.RoomID),
			msg.SenderID,
			nullable(msg.RecipientID),
			msg.Body,
			attachment,
			msg.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicate
			}
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

func (s *Store) History(ctx context.Context, conv models.ConversationRef, before string, limit int) ([]models.Message, error) {
	var cursor int64 = math.MaxInt64
	if before != "" {
		err := s.pool.QueryRow(ctx,
			`SELECT seq FROM messages WHERE id = $1 AND conversation = $2`,
			before, conv.String(),
		).Scan(&cursor)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
	}

	const query = messageSelect + `
		WHERE m.conversation = $1 AND m.seq < $2
		ORDER BY m.seq DESC
		LIMIT $3
	`
	msgs, err := s.queryMessages(ctx, query, conv.String(), cursor, limit)
	if err != nil {
		return nil, err
	}
	store.Reverse(msgs)
	return msgs, nil
}

func (s *Store) SearchMessages(ctx context.Context, userID, q string, limit int) ([]models.Message, error) {
	const query = messageSelect + `
		WHERE m.body ILIKE $1 ESCAPE '\'
		  AND (m.sender_id = $2 OR m.recipient_id = $2
		       OR m.room_id IN (SELECT room_id FROM room_members WHERE user_id = $2))
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3
	`
	return s.queryMessages(ctx, query, store.LikePattern(q), userID, limit)
}

func (s *Store) PrivatePartners(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT DISTINCT CASE WHEN sender_id = $1 THEN recipient_id ELSE sender_id END
		FROM messages
		WHERE kind = 'private' AND (sender_id = $1 OR recipient_id = $1)
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	const query = `
		SELECT m.conversation, COALESCE(rm.name, ''), m.id, m.body,
		       m.sender_id, COALESCE(su.username, ''),
		       COALESCE(m.recipient_id, ''), COALESCE(ru.username, ''), m.created_at
		FROM messages m
		JOIN conversation_counters c ON c.conversation = m.conversation AND c.last_seq = m.seq
		LEFT JOIN rooms rm ON rm.id = m.room_id
		LEFT JOIN users su ON su.id = m.sender_id
		LEFT JOIN users ru ON ru.id = m.recipient_id
		WHERE (m.kind = 'private' AND (m.sender_id = $1 OR m.recipient_id = $1))
		   OR (m.kind = 'group' AND m.room_id IN (SELECT room_id FROM room_members WHERE user_id = $1))
		ORDER BY m.created_at DESC, m.id DESC
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ConversationSummary, error) {
		var (
			conv                 string
			senderID, senderName string
			recipID, recipName   string
			sum                  models.ConversationSummary
		)
		if err := row.Scan(&conv, &sum.RoomName, &sum.LastMessageID, &sum.LastBody,
			&senderID, &senderName, &recipID, &recipName, &sum.LastAt); err != nil {
			return sum, err
		}
		ref, err := models.ParseConversationRef(conv)
		if err != nil {
			return sum, err
		}
		sum.Conversation = ref
		sum.LastSender = senderName
		if ref.Kind == models.KindPrivate {
			if senderID == userID {
				sum.PartnerID, sum.PartnerName = recipID, recipName
			} else {
				sum.PartnerID, sum.PartnerName = senderID, senderName
			}
		}
		return sum, nil
	})
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Message, error) {
		return scanMessage(row)
	})
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var (
		msg          models.Message
		conv         string
		roomID       *string
		recipientID  *string
		recipient    *string
		attFilename  *string
		attOriginal  *string
		attSize      *int64
		attMime      *string
		attOwner     *string
		attCreatedAt *time.Time
	)
	if err := row.Scan(
		&msg.ID,
		&msg.Seq,
		&conv,
		&roomID,
		&msg.SenderID,
		&msg.SenderName,
		&recipientID,
		&recipient,
		&msg.Body,
		&msg.CreatedAt,
		&attFilename,
		&attOriginal,
		&attSize,
		&attMime,
		&attOwner,
		&attCreatedAt,
	); err != nil {
		return models.Message{}, err
	}

	ref, err := models.ParseConversationRef(conv)
	if err != nil {
		return models.Message{}, err
	}
	msg.Conversation = ref
	msg.RoomID = deref(roomID)
	msg.RecipientID = deref(recipientID)
	msg.RecipientName = deref(recipient)
	if attFilename != nil {
		id := msg.ID
		msg.Attachment = &models.Attachment{
			Filename:     *attFilename,
			OriginalName: deref(attOriginal),
			MimeType:     deref(attMime),
			OwnerID:      deref(attOwner),
			MessageID:    &id,
		}
		if attSize != nil {
			msg.Attachment.Size = *attSize
		}
		if attCreatedAt != nil {
			msg.Attachment.CreatedAt = *attCreatedAt
		}
	}
	return msg, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
