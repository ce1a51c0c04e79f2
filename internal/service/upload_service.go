package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/config"
	"chatcore/internal/ids"
	"chatcore/internal/media/sniffer"
	"chatcore/internal/media/svg"
	"chatcore/internal/models"
	"chatcore/internal/security"
	"chatcore/internal/storage"
	"chatcore/internal/store"
)

type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error)
	Remove(ctx context.Context, key string) error
}

type UploadInput struct {
	OwnerID      string
	OriginalName string
	DeclaredType string
	Size         int64
	Body         io.Reader
}

type UploadService struct {
	attachments store.AttachmentStore
	objects     ObjectStore
	cfg         *config.AppConfig
	log         zerolog.Logger
	allowed     map[string]struct{}
}

func NewUploadService(attachments store.AttachmentStore, objects ObjectStore, cfg *config.AppConfig, log zerolog.Logger) *UploadService {
	allowed := make(map[string]struct{}, len(cfg.Upload.AllowedTypes))
	for _, t := range cfg.Upload.AllowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &UploadService{
		attachments: attachments,
		objects:     objects,
		cfg:         cfg,
		log:         log.With().Str("component", "upload").Logger(),
		allowed:     allowed,
	}
}

// Upload stores an attachment. Files of exactly Upload.MaxBytes are
// accepted; anything larger is a validation error.
func (s *UploadService) Upload(ctx context.Context, input UploadInput) (models.Attachment, error) {
	if input.Body == nil {
		return models.Attachment{}, fmt.Errorf("%w: no file", apperr.ErrValidation)
	}
	limit := s.cfg.Upload.MaxBytes
	if input.Size > limit {
		return models.Attachment{}, tooLarge(limit)
	}

	data, err := io.ReadAll(io.LimitReader(input.Body, limit+1))
	if err != nil {
		return models.Attachment{}, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > limit {
		return models.Attachment{}, tooLarge(limit)
	}
	if len(data) == 0 {
		return models.Attachment{}, fmt.Errorf("%w: empty file", apperr.ErrValidation)
	}

	head := data
	if len(head) > sniffer.HeadSize {
		head = head[:sniffer.HeadSize]
	}
	result, err := sniffer.DetectHead(head)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("%w: unsupported file type", apperr.ErrValidation)
	}
	if _, ok := s.allowed[result.MIME]; !ok {
		return models.Attachment{}, fmt.Errorf("%w: file type %s not allowed", apperr.ErrValidation, result.MIME)
	}
	if input.DeclaredType != "" && input.DeclaredType != result.MIME {
		s.log.Debug().Str("declared", input.DeclaredType).Str("actual", result.MIME).Msg("content type mismatch")
	}

	if result.Type == sniffer.TypeSVG {
		clean, err := svg.Sanitize(data)
		if err != nil {
			return models.Attachment{}, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
		}
		data = clean
	}

	att := models.Attachment{
		Filename:     fmt.Sprintf("%s.%s", ids.New(), result.Ext()),
		OriginalName: cleanName(input.OriginalName, result.Ext()),
		Size:         int64(len(data)),
		MimeType:     result.MIME,
		OwnerID:      input.OwnerID,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.objects.Put(ctx, att.Filename, bytes.NewReader(data), att.Size, att.MimeType); err != nil {
		return models.Attachment{}, fmt.Errorf("%w: %v", apperr.ErrTransport, err)
	}
	if err := s.attachments.CreateAttachment(ctx, att); err != nil {
		if rmErr := s.objects.Remove(ctx, att.Filename); rmErr != nil {
			s.log.Warn().Err(rmErr).Str("file", att.Filename).Msg("remove object after failed insert")
		}
		return models.Attachment{}, fmt.Errorf("%w: save metadata: %v", apperr.ErrPersistence, err)
	}

	s.log.Info().Str("file", att.Filename).Str("owner", att.OwnerID).Int64("size", att.Size).Msg("attachment stored")
	return att, nil
}

// URL returns the signed download path for filename.
func (s *UploadService) URL(filename string) string {
	sig := security.SignResource(s.cfg.Security.SignatureSecret, "file", filename)
	return "/api/files/" + url.PathEscape(filename) + "?sig=" + sig
}

// Open verifies the signature and streams the attachment body.
func (s *UploadService) Open(ctx context.Context, filename, sig string) (io.ReadCloser, models.Attachment, error) {
	if !security.VerifyResource(s.cfg.Security.SignatureSecret, sig, "file", filename) {
		return nil, models.Attachment{}, fmt.Errorf("%w: bad file signature", apperr.ErrForbidden)
	}
	att, err := s.lookup(ctx, filename)
	if err != nil {
		return nil, models.Attachment{}, err
	}
	body, _, err := s.objects.Get(ctx, filename)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, models.Attachment{}, fmt.Errorf("%w: file %s", apperr.ErrNotFound, filename)
		}
		return nil, models.Attachment{}, fmt.Errorf("%w: %v", apperr.ErrTransport, err)
	}
	return body, att, nil
}

// Delete removes an attachment that its owner uploaded but never sent.
func (s *UploadService) Delete(ctx context.Context, userID, filename string) error {
	att, err := s.lookup(ctx, filename)
	if err != nil {
		return err
	}
	if att.OwnerID != userID {
		return fmt.Errorf("%w: not your file", apperr.ErrForbidden)
	}
	if att.MessageID != nil {
		return errLinked
	}
	return s.remove(ctx, att)
}

// PurgeOrphans deletes up to limit attachments never linked to a message
// and older than maxAge. It returns how many were removed.
func (s *UploadService) PurgeOrphans(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	orphans, err := s.attachments.OrphanedAttachments(ctx, time.Now().Add(-maxAge), limit)
	if err != nil {
		return 0, fmt.Errorf("list orphans: %w", err)
	}

	removed := 0
	for _, att := range orphans {
		if err := s.remove(ctx, att); err != nil {
			s.log.Warn().Err(err).Str("file", att.Filename).Msg("purge orphan")
			continue
		}
		removed++
	}
	return removed, nil
}

var errLinked = fmt.Errorf("%w: file is attached to a message", apperr.ErrValidation)

// remove drops the metadata row first so a message linking the file
// concurrently keeps both its row and its object.
func (s *UploadService) remove(ctx context.Context, att models.Attachment) error {
	if err := s.attachments.DeleteUnlinkedAttachment(ctx, att.Filename); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errLinked
		}
		return fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	if err := s.objects.Remove(ctx, att.Filename); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		s.log.Warn().Err(err).Str("file", att.Filename).Msg("object left behind after row delete")
	}
	return nil
}

func (s *UploadService) lookup(ctx context.Context, filename string) (models.Attachment, error) {
	att, err := s.attachments.AttachmentByFilename(ctx, filename)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Attachment{}, fmt.Errorf("%w: file %s", apperr.ErrNotFound, filename)
		}
		return models.Attachment{}, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	return att, nil
}

func tooLarge(limit int64) error {
	return fmt.Errorf("%w: file exceeds %d bytes", apperr.ErrValidation, limit)
}

func cleanName(name, ext string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" || name == "" || !utf8.ValidString(name) {
		return "file." + ext
	}
	if utf8.RuneCountInString(name) > 255 {
		name = string([]rune(name)[:255])
	}
	return name
}
