package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/ids"
	"chatcore/internal/models"
	"chatcore/internal/store/sqlitestore"
)

func TestSearchCapsResults(t *testing.T) {
	s, err := sqlitestore.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		msg := &models.Message{
			ID:           ids.New(),
			Conversation: models.PrivateRef("a", "b"),
			SenderID:     "a",
			RecipientID:  "b",
			Body:         fmt.Sprintf("Report number %d", i),
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	idx := New(s, 5)
	found, err := idx.Search(ctx, "b", "report")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 5 {
		t.Fatalf("expected 5 results, got %d", len(found))
	}
	if found[0].Body != "Report number 7" {
		t.Errorf("expected newest first, got %q", found[0].Body)
	}

	none, err := idx.Search(ctx, "c", "report")
	if err != nil || len(none) != 0 {
		t.Errorf("outsider should find nothing, got %d, %v", len(none), err)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	idx := New(nil, 0)
	if _, err := idx.Search(context.Background(), "a", "   "); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
