package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"chatcore/internal/models"
	"chatcore/internal/store"
)

const attachmentColumns = `filename, original_name, size, mime_type, owner_id, message_id, created_at`

func (s *Store) CreateAttachment(ctx context.Context, att models.Attachment) error {
	const query = `
		INSERT INTO attachments (` + attachmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		att.Filename,
		att.OriginalName,
		att.Size,
		att.MimeType,
		att.OwnerID,
		att.MessageID,
		att.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) AttachmentByFilename(ctx context.Context, filename string) (models.Attachment, error) {
	const query = `SELECT ` + attachmentColumns + ` FROM attachments WHERE filename = $1`
	att, err := scanAttachment(s.pool.QueryRow(ctx, query, filename))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Attachment{}, store.ErrNotFound
	}
	return att, err
}

func (s *Store) DeleteUnlinkedAttachment(ctx context.Context, filename string) error {
	const query = `DELETE FROM attachments WHERE filename = $1 AND message_id IS NULL`
	cmd, err := s.pool.Exec(ctx, query, filename)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) OrphanedAttachments(ctx context.Context, cutoff time.Time, limit int) ([]models.Attachment, error) {
	const query = `
		SELECT ` + attachmentColumns + ` FROM attachments
		WHERE message_id IS NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Attachment, error) {
		return scanAttachment(row)
	})
}

func scanAttachment(row pgx.Row) (models.Attachment, error) {
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
