package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/queue"
)

// Purger removes attachments that were uploaded but never sent.
type Purger interface {
	PurgeOrphans(ctx context.Context, maxAge time.Duration, limit int) (int, error)
}

type Processor struct {
	purger    Purger
	orphanTTL time.Duration
	batchSize int
	logger    zerolog.Logger
}

func NewProcessor(purger Purger, orphanTTL time.Duration, batchSize int, logger zerolog.Logger) *Processor {
	return &Processor{
		purger:    purger,
		orphanTTL: orphanTTL,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "tasks").Logger(),
	}
}

func (p *Processor) Handle(ctx context.Context, task queue.Task) error {
	switch task.Type {
	case queue.TaskPurgeAttachments:
		return p.handlePurge(ctx, task)
	default:
		p.logger.Warn().Str("type", task.Type).Msg("unknown task type")
		return nil
	}
}

func (p *Processor) handlePurge(ctx context.Context, task queue.Task) error {
	limit := task.Limit
	if limit <= 0 {
		limit = p.batchSize
	}
	removed, err := p.purger.PurgeOrphans(ctx, p.orphanTTL, limit)
	if err != nil {
		return err
	}
	p.logger.Info().Int("removed", removed).Dur("max_age", p.orphanTTL).Msg("orphaned attachments purged")
	return nil
}
