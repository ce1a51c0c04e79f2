package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/queue"
)

type fakePurger struct {
	maxAge time.Duration
	limit  int
	err    error
	calls  int
}

func (f *fakePurger) PurgeOrphans(_ context.Context, maxAge time.Duration, limit int) (int, error) {
	f.calls++
	f.maxAge, f.limit = maxAge, limit
	return 3, f.err
}

func TestPurgeUsesDefaultBatch(t *testing.T) {
	purger := &fakePurger{}
	p := NewProcessor(purger, 24*time.Hour, 100, zerolog.Nop())

	if err := p.Handle(context.Background(), queue.Task{Type: queue.TaskPurgeAttachments}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if purger.limit != 100 || purger.maxAge != 24*time.Hour {
		t.Errorf("purge called with limit=%d maxAge=%s", purger.limit, purger.maxAge)
	}

	if err := p.Handle(context.Background(), queue.Task{Type: queue.TaskPurgeAttachments, Limit: 7}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if purger.limit != 7 {
		t.Errorf("task limit ignored: %d", purger.limit)
	}
}

func TestPurgeErrorIsReturned(t *testing.T) {
	purger := &fakePurger{err: errors.New("boom")}
	p := NewProcessor(purger, time.Hour, 10, zerolog.Nop())
	if err := p.Handle(context.Background(), queue.Task{Type: queue.TaskPurgeAttachments}); err == nil {
		t.Fatal("expected error so the entry stays pending")
	}
}

func TestUnknownTaskIsIgnored(t *testing.T) {
	purger := &fakePurger{}
	p := NewProcessor(purger, time.Hour, 10, zerolog.Nop())
	if err := p.Handle(context.Background(), queue.Task{Type: "thumbnail"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if purger.calls != 0 {
		t.Error("purger called for unknown task")
	}
}
