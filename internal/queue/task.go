// Package queue moves maintenance tasks over a Redis stream, with an
// in-process fallback when Redis is disabled.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	TaskPurgeAttachments = "purge_attachments"
)

// Task is the payload carried by one stream entry.
type Task struct {
	Type       string `json:"type"`
	Limit      int    `json:"limit,omitempty,string"`
	EnqueuedAt string `json:"enqueuedAt,omitempty"`
}

func (t Task) values() map[string]any {
	v := map[string]any{"type": t.Type}
	if t.Limit > 0 {
		v["limit"] = t.Limit
	}
	if t.EnqueuedAt != "" {
		v["enqueuedAt"] = t.EnqueuedAt
	}
	return v
}

// DecodeTask reads a Task back from stream values, which Redis returns
// as strings.
func DecodeTask(values map[string]interface{}) (Task, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return Task{}, err
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}

type Handler interface {
	Handle(ctx context.Context, task Task) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

type Producer struct {
	client *redis.Client
	stream string
}

func NewProducer(client *redis.Client, stream string) *Producer {
	return &Producer{client: client, stream: stream}
}

func (p *Producer) Enqueue(ctx context.Context, task Task) error {
	if task.EnqueuedAt == "" {
		task.EnqueuedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: 10000,
		Approx: true,
		Values: task.values(),
	}).Err()
}

// Inline runs tasks synchronously in the calling process.
type Inline struct {
	handler Handler
}

func NewInline(handler Handler) *Inline {
	return &Inline{handler: handler}
}

func (i *Inline) Enqueue(ctx context.Context, task Task) error {
	return i.handler.Handle(ctx, task)
}
