package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/config"
	"chatcore/internal/models"
	"chatcore/internal/storage"
	"chatcore/internal/store/sqlitestore"
)

const testMaxBytes = 10 << 20

func newTestUploads(t *testing.T) (*UploadService, *storage.MemoryStore, *sqlitestore.Store) {
	t.Helper()
	db, err := sqlitestore.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.AppConfig{
		Security: config.SecurityConfig{SignatureSecret: "file-secret"},
		Upload: config.UploadConfig{
			MaxBytes:     testMaxBytes,
			AllowedTypes: []string{"text/plain", "image/png", "image/svg+xml"},
		},
	}
	objects := storage.NewMemoryStore()
	return NewUploadService(db, objects, cfg, zerolog.Nop()), objects, db
}

func TestUploadSizeCeilingIsInclusive(t *testing.T) {
	svc, objects, _ := newTestUploads(t)
	ctx := context.Background()

	exact := bytes.Repeat([]byte("a"), testMaxBytes)
	att, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", OriginalName: "big.txt", Body: bytes.NewReader(exact)})
	if err != nil {
		t.Fatalf("upload of exactly the limit: %v", err)
	}
	if att.Size != testMaxBytes || att.MimeType != "text/plain" {
		t.Errorf("unexpected attachment %+v", att)
	}

	over := bytes.Repeat([]byte("a"), testMaxBytes+1)
	_, err = svc.Upload(ctx, UploadInput{OwnerID: "u1", OriginalName: "bigger.txt", Body: bytes.NewReader(over)})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for limit+1, got %v", err)
	}
	if objects.Len() != 1 {
		t.Errorf("rejected upload left an object behind: %d objects", objects.Len())
	}
}

func TestUploadRejectsDisallowedType(t *testing.T) {
	svc, _, _ := newTestUploads(t)
	pdf := []byte("%PDF-1.7\n1 0 obj\n")
	_, err := svc.Upload(context.Background(), UploadInput{OwnerID: "u1", OriginalName: "doc.pdf", Body: bytes.NewReader(pdf)})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUploadSanitizesSVG(t *testing.T) {
	svc, objects, _ := newTestUploads(t)
	ctx := context.Background()
	doc := `<svg xmlns="http://www.w3.org/2000/svg" onload="alert(1)"><script>alert(2)</script><rect/></svg>`

	att, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", OriginalName: "logo.svg", Body: strings.NewReader(doc)})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasSuffix(att.Filename, ".svg") {
		t.Errorf("filename %q lacks svg extension", att.Filename)
	}

	body, _, err := objects.Get(ctx, att.Filename)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer body.Close()
	stored, _ := io.ReadAll(body)
	if strings.Contains(string(stored), "script") || strings.Contains(string(stored), "onload") {
		t.Errorf("stored svg not sanitized: %s", stored)
	}
}

func TestSignedURLOpen(t *testing.T) {
	svc, _, _ := newTestUploads(t)
	ctx := context.Background()

	att, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", OriginalName: "note.txt", Body: strings.NewReader("hello")})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	link, err := url.Parse(svc.URL(att.Filename))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if link.Path != "/api/files/"+att.Filename {
		t.Errorf("path = %q", link.Path)
	}

	body, meta, err := svc.Open(ctx, att.Filename, link.Query().Get("sig"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "hello" || meta.OriginalName != "note.txt" {
		t.Errorf("Open returned %q, %+v", data, meta)
	}

	if _, _, err := svc.Open(ctx, att.Filename, "bogus"); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden for bad signature, got %v", err)
	}
}

func TestDeleteOwnerOnly(t *testing.T) {
	svc, objects, _ := newTestUploads(t)
	ctx := context.Background()

	att, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", OriginalName: "a.txt", Body: strings.NewReader("x")})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := svc.Delete(ctx, "u2", att.Filename); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden for non-owner, got %v", err)
	}
	if err := svc.Delete(ctx, "u1", att.Filename); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if objects.Len() != 0 {
		t.Errorf("object not removed")
	}
	if err := svc.Delete(ctx, "u1", att.Filename); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestPurgeOrphans(t *testing.T) {
	svc, objects, _ := newTestUploads(t)
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt"} {
		if _, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", OriginalName: name, Body: strings.NewReader("x")}); err != nil {
			t.Fatalf("Upload: %v", err)
		}
	}

	n, err := svc.PurgeOrphans(ctx, time.Hour, 10)
	if err != nil || n != 0 {
		t.Fatalf("fresh uploads purged: n=%d err=%v", n, err)
	}

	// A negative age moves the cutoff into the future.
	n, err = svc.PurgeOrphans(ctx, -time.Hour, 10)
	if err != nil || n != 2 {
		t.Fatalf("PurgeOrphans = %d, %v", n, err)
	}
	if objects.Len() != 0 {
		t.Errorf("%d objects left", objects.Len())
	}
}

// linkOnList links the first listed orphan to a message right after the
// purge has listed it.
type linkOnList struct {
	*sqlitestore.Store
	sender, recipient string
}

func (l linkOnList) OrphanedAttachments(ctx context.Context, cutoff time.Time, limit int) ([]models.Attachment, error) {
	orphans, err := l.Store.OrphanedAttachments(ctx, cutoff, limit)
	if err != nil || len(orphans) == 0 {
		return orphans, err
	}
	msg := &models.Message{
		ID:           "m1",
		Conversation: models.PrivateRef(l.sender, l.recipient),
		SenderID:     l.sender,
		RecipientID:  l.recipient,
		Body:         "late link",
		Attachment:   &models.Attachment{Filename: orphans[0].Filename},
		CreatedAt:    time.Now(),
	}
	return orphans, l.Store.SaveMessage(ctx, msg)
}

func TestPurgeSkipsAttachmentLinkedAfterListing(t *testing.T) {
	_, objects, db := newTestUploads(t)
	ctx := context.Background()
	cfg := &config.AppConfig{
		Security: config.SecurityConfig{SignatureSecret: "file-secret"},
		Upload:   config.UploadConfig{MaxBytes: testMaxBytes, AllowedTypes: []string{"text/plain"}},
	}
	svc := NewUploadService(linkOnList{Store: db, sender: "u1", recipient: "u2"}, objects, cfg, zerolog.Nop())

	att, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", OriginalName: "a.txt", Body: strings.NewReader("x")})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	n, err := svc.PurgeOrphans(ctx, -time.Hour, 10)
	if err != nil || n != 0 {
		t.Fatalf("PurgeOrphans = %d, %v; want nothing removed", n, err)
	}
	if objects.Len() != 1 {
		t.Errorf("object of a linked attachment was removed")
	}
	stored, err := db.AttachmentByFilename(ctx, att.Filename)
	if err != nil || stored.MessageID == nil {
		t.Errorf("attachment row lost or unlinked: %+v, %v", stored, err)
	}
}
