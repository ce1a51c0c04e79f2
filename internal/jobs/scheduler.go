package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"chatcore/internal/config"
	"chatcore/internal/queue"
)

// Sweeper closes live sessions whose token has lapsed.
type Sweeper interface {
	ExpireSessions(now time.Time) int
}

type Scheduler struct {
	cron    *cron.Cron
	queue   queue.Enqueuer
	sweeper Sweeper
	cfg     config.JobsConfig
	batch   int
	log     zerolog.Logger
}

func NewScheduler(q queue.Enqueuer, sweeper Sweeper, cfg config.JobsConfig, batch int, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return &Scheduler{
		cron:    c,
		queue:   q,
		sweeper: sweeper,
		cfg:     cfg,
		batch:   batch,
		log:     log.With().Str("component", "jobs").Logger(),
	}
}

func (s *Scheduler) Start() error {
	if s.sweeper != nil && s.cfg.SessionSweep != "" {
		if _, err := s.cron.AddFunc(s.cfg.SessionSweep, s.sweepSessions); err != nil {
			return err
		}
	}
	if s.queue != nil && s.cfg.AttachmentPurge != "" {
		if _, err := s.cron.AddFunc(s.cfg.AttachmentPurge, s.enqueuePurge); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) sweepSessions() {
	if n := s.sweeper.ExpireSessions(time.Now()); n > 0 {
		s.log.Info().Int("closed", n).Msg("expired sessions closed")
	}
}

func (s *Scheduler) enqueuePurge() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.queue.Enqueue(ctx, queue.Task{Type: queue.TaskPurgeAttachments, Limit: s.batch}); err != nil {
		s.log.Error().Err(err).Msg("enqueue attachment purge failed")
	}
}
