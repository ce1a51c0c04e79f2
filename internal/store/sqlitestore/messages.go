package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const nextSeq = `
		INSERT INTO conversation_counters (conversation, last_seq) VALUES (?, 1)
		ON CONFLICT (conversation) DO UPDATE SET last_seq = last_seq + 1
		RETURNING last_seq
	`
	conv := msg.Conversation.String()
	if err := tx.QueryRowContext(ctx, nextSeq, conv).Scan(&msg.Seq); err != nil {
		return fmt.Errorf("allocate seq: %w", err)
	}

	var attachment string
	if msg.Attachment != nil {
		const link = `
			UPDATE attachments SET message_id = ?
			WHERE filename = ? AND owner_id = ? AND message_id IS NULL
		`
		res, err := tx.ExecContext(ctx, link, msg.ID, msg.Attachment.Filename, msg.SenderID)
		if err != nil {
			return fmt.Errorf("link attachment: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return store.ErrNotFound
		}
		attachment = msg.Attachment.Filename
		msg.Attachment.MessageID = &msg.ID
	}

	const insert = `
		INSERT INTO messages (
			id, conversation, seq, kind, room_id, sender_id, recipient_id, body, attachment, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert,
		msg.ID,
		conv,
		msg.Seq,
		string(msg.Conversation.Kind),
		nullable(msg.RoomID),
		msg.SenderID,
		nullable(msg.RecipientID),
		msg.Body,
		nullable(attachment),
		msg.CreatedAt.UTC(),
	); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

func (s *Store) History(ctx context.Context, conv models.ConversationRef, before string, limit int) ([]models.Message, error) {
	var cursor int64 = math.MaxInt64
	if before != "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT seq FROM messages WHERE id = ? AND conversation = ?`,
			before, conv.String(),
		).Scan(&cursor)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
	}

	const query = messageSelect + `
		WHERE m.conversation = ? AND m.seq < ?
		ORDER BY m.seq DESC
		LIMIT ?
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
		WHERE LOWER(m.body) LIKE ? ESCAPE '\'
		  AND (m.sender_id = ? OR m.recipient_id = ?
		       OR m.room_id IN (SELECT room_id FROM room_members WHERE user_id = ?))
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?
	`
	return s.queryMessages(ctx, query, store.LikePattern(q), userID, userID, userID, limit)
}

func (s *Store) PrivatePartners(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT DISTINCT CASE WHEN sender_id = ? THEN recipient_id ELSE sender_id END
		FROM messages
		WHERE kind = 'private' AND (sender_id = ? OR recipient_id = ?)
	`
	rows, err := s.db.QueryContext(ctx, query, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		partners = append(partners, id)
	}
	return partners, rows.Err()
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
		WHERE (m.kind = 'private' AND (m.sender_id = ? OR m.recipient_id = ?))
		   OR (m.kind = 'group' AND m.room_id IN (SELECT room_id FROM room_members WHERE user_id = ?))
		ORDER BY m.created_at DESC, m.id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConversationSummary
	for rows.Next() {
		var (
			conv                 string
			senderID, senderName string
			recipID, recipName   string
			sum                  models.ConversationSummary
		)
		if err := rows.Scan(&conv, &sum.RoomName, &sum.LastMessageID, &sum.LastBody,
			&senderID, &senderName, &recipID, &recipName, &sum.LastAt); err != nil {
			return nil, err
		}
		ref, err := models.ParseConversationRef(conv)
		if err != nil {
			return nil, err
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
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		msg          models.Message
		conv         string
		roomID       sql.NullString
		recipientID  sql.NullString
		recipient    sql.NullString
		attFilename  sql.NullString
		attOriginal  sql.NullString
		attSize      sql.NullInt64
		attMime      sql.NullString
		attOwner     sql.NullString
		attCreatedAt sql.NullTime
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
	msg.RoomID = roomID.String
	msg.RecipientID = recipientID.String
	msg.RecipientName = recipient.String
	if attFilename.Valid {
		id := msg.ID
		msg.Attachment = &models.Attachment{
			Filename:     attFilename.String,
			OriginalName: attOriginal.String,
			Size:         attSize.Int64,
			MimeType:     attMime.String,
			OwnerID:      attOwner.String,
			MessageID:    &id,
			CreatedAt:    attCreatedAt.Time,
		}
	}
	return msg, nil
}
