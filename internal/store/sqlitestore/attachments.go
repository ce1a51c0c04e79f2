package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chatcore/internal/models"
	"chatcore/internal/store"
)

const attachmentColumns = `filename, original_name, size, mime_type, owner_id, message_id, created_at`

func (s *Store) CreateAttachment(ctx context.Context, att models.Attachment) error {
	const query = `INSERT INTO attachments (` + attachmentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		att.Filename,
		att.OriginalName,
		att.Size,
		att.MimeType,
		att.OwnerID,
		att.MessageID,
		att.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) AttachmentByFilename(ctx context.Context, filename string) (models.Attachment, error) {
	const query = `SELECT ` + attachmentColumns + ` FROM attachments WHERE filename = ?`
	att, err := scanAttachment(s.db.QueryRowContext(ctx, query, filename))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Attachment{}, store.ErrNotFound
	}
	return att, err
}

func (s *Store) DeleteUnlinkedAttachment(ctx context.Context, filename string) error {
	const query = `DELETE FROM attachments WHERE filename = ? AND message_id IS NULL`
	res, err := s.db.ExecContext(ctx, query, filename)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) OrphanedAttachments(ctx context.Context, cutoff time.Time, limit int) ([]models.Attachment, error) {
	const query = `
		SELECT ` + attachmentColumns + ` FROM attachments
		WHERE message_id IS NULL AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`
	// timestamps are stored as UTC text, so the bound value must be UTC too
	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Attachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

func scanAttachment(row scanner) (models.Attachment, error) {
	var att models.Attachment
	err := row.Scan(
		&att.Filename,
		&att.OriginalName,
		&att.Size,
		&att.MimeType,
		&att.OwnerID,
		&att.MessageID,
		&att.CreatedAt,
	)
	return att, err
}
