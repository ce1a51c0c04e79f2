package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatcore/internal/cache"
	"chatcore/internal/config"
	"chatcore/internal/database"
	"chatcore/internal/directory"
	"chatcore/internal/handlers"
	"chatcore/internal/identity"
	"chatcore/internal/jobs"
	"chatcore/internal/log"
	"chatcore/internal/queue"
	"chatcore/internal/realtime"
	"chatcore/internal/router"
	"chatcore/internal/search"
	"chatcore/internal/security"
	"chatcore/internal/server"
	"chatcore/internal/service"
	"chatcore/internal/session"
	"chatcore/internal/storage"
	"chatcore/internal/store"
	"chatcore/internal/tasks"
	"chatcore/internal/typing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment)
	if cfg.LogLevel != "" {
		log.WithLevel(cfg.LogLevel)
	}

	ctx := context.Background()

	db, err := database.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open store")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	probes := map[string]handlers.Probe{"database": db.Ping}

	var revoker security.Revoker = security.NewMemoryRevoker()
	if redisClient != nil {
		revoker = security.NewRedisRevoker(redisClient)
		probes["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		logger.Warn().Msg("redis disabled, token revocation is process-local")
	}

	objects, objectProbe := openObjectStore(ctx, cfg, logger)
	probes["storage"] = objectProbe

	identities := identity.NewProvider(db)
	tokens := security.NewTokenService(cfg.Security)
	auth := service.NewAuthService(identities, tokens, revoker, logger)
	uploads := service.NewUploadService(db, objects, cfg, logger)

	dir := directory.New(db, db, logger)
	registry := session.NewRegistry(dir, logger)
	typer := typing.NewBroadcaster(registry, dir, cfg.Realtime.TypingWindow, logger)
	messageRouter := router.New(router.Deps{
		Sessions:    registry,
		Directory:   dir,
		Users:       identities,
		Messages:    db,
		Attachments: db,
		Typing:      typer,
		Links:       uploads,
	}, cfg.History.PageSize, logger)
	index := search.New(db, cfg.Search.Limit)

	hub := realtime.NewHub(realtime.Deps{
		Auth:      auth,
		Users:     identities,
		Registry:  registry,
		Router:    messageRouter,
		Directory: dir,
		Typing:    typer,
		Search:    index,
	}, cfg.Realtime, cfg.AllowCORSOrigins, logger)

	handlerSet := handlers.NewHandlerSet(logger, cfg, handlers.Deps{
		Auth:      auth,
		Uploads:   uploads,
		Users:     identities,
		Directory: dir,
		Router:    messageRouter,
		Search:    index,
		Messages:  db,
		Registry:  registry,
		Realtime:  hub,
		Probes:    probes,
	})
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet, hub)

	scheduler := jobs.NewScheduler(maintenanceQueue(cfg, redisClient, uploads, logger), hub, cfg.Jobs, cfg.Worker.BatchSize, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, hub, scheduler, db, redisClient)
}

// openObjectStore uses S3-compatible storage when an endpoint is
// configured and process memory otherwise.
func openObjectStore(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (service.ObjectStore, handlers.Probe) {
	if cfg.Storage.Endpoint == "" {
		logger.Warn().Msg("storage.endpoint not set, attachments are kept in memory")
		mem := storage.NewMemoryStore()
		return mem, mem.Ping
	}

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}
	if err := objectStore.EnsureBucket(ctx); err != nil {
		logger.Warn().Err(err).Str("bucket", cfg.Storage.Bucket).Msg("ensure bucket failed")
	}
	return objectStore, objectStore.Ping
}

// maintenanceQueue publishes to the Redis stream for the worker, or runs
// tasks in this process when Redis is disabled.
func maintenanceQueue(cfg *config.AppConfig, client *redis.Client, uploads *service.UploadService, logger zerolog.Logger) queue.Enqueuer {
	if client != nil {
		return queue.NewProducer(client, cfg.Jobs.Stream)
	}
	return queue.NewInline(tasks.NewProcessor(uploads, cfg.Worker.OrphanTTL, cfg.Worker.BatchSize, logger))
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, hub *realtime.Hub, scheduler *jobs.Scheduler, db store.Store, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	hub.Shutdown()
	scheduler.Stop(shutdownCtx)

	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close error")
		}
	}

	logger.Info().Msg("server exited cleanly")
}
