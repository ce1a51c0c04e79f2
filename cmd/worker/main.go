package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"chatcore/internal/cache"
	"chatcore/internal/config"
	"chatcore/internal/database"
	"chatcore/internal/log"
	"chatcore/internal/queue"
	"chatcore/internal/service"
	"chatcore/internal/storage"
	"chatcore/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment).With().Str("process", "worker").Logger()
	if cfg.LogLevel != "" {
		log.WithLevel(cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.Redis.Enabled {
		logger.Fatal().Msg("worker needs redis.enabled; without it the api runs maintenance in-process")
	}
	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	db, err := database.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	if cfg.Storage.Endpoint == "" {
		logger.Fatal().Msg("worker needs storage.endpoint to reach uploaded objects")
	}
	objects, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}

	uploads := service.NewUploadService(db, objects, cfg, logger)
	processor := tasks.NewProcessor(uploads, cfg.Worker.OrphanTTL, cfg.Worker.BatchSize, logger)
	consumer := queue.NewConsumer(
		client,
		cfg.Jobs.Stream,
		cfg.Worker.Group,
		cfg.Worker.Consumer,
		cfg.Worker.ClaimInterval,
		logger,
		processor,
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("consumer stopped unexpectedly")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("consumer did not stop in time")
	}
}
