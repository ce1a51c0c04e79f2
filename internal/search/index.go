// Package search answers message queries scoped to the caller's own
// conversations. Matching is delegated to the store.
package search

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"chatcore/internal/apperr"
	"chatcore/internal/models"
	"chatcore/internal/store"
)

const maxQueryRunes = 200

type Index struct {
	messages store.MessageStore
	limit    int
}

func New(messages store.MessageStore, limit int) *Index {
	if limit <= 0 {
		limit = 50
	}
	return &Index{messages: messages, limit: limit}
}

// Search returns at most the configured number of messages, newest first,
// whose body contains query case-insensitively.
func (i *Index) Search(ctx context.Context, userID, query string) ([]models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", apperr.ErrValidation)
	}
	if utf8.RuneCountInString(query) > maxQueryRunes {
		return nil, fmt.Errorf("%w: search query too long", apperr.ErrValidation)
	}

	msgs, err := i.messages.SearchMessages(ctx, userID, query, i.limit)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", apperr.ErrPersistence, err)
	}
	return msgs, nil
}
