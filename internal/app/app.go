package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/garrettladley/payhook/internal/batch"
	"github.com/garrettladley/payhook/internal/config"
	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/dedup"
	"github.com/garrettladley/payhook/internal/ingest"
	"github.com/garrettladley/payhook/internal/monitor"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/ratelimit"
	xredis "github.com/garrettladley/payhook/internal/redis"
	"github.com/garrettladley/payhook/internal/signature"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xslog"
)

const (
	keyDriver  = "driver"
	keyBackend = "backend"
)

// App owns every long-lived component of one process. Writer and Worker
// are nil unless the process consumes the queue.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Redis    *redis.Client
	Store    storage.Backend
	Breakers *connhealth.Manager
	Monitor  *monitor.Monitor
	Dedup    *dedup.Deduplicator
	Queue    *queue.Queue
	Limiter  ratelimit.Limiter
	Pipeline *ingest.Pipeline
	Writer   *batch.Writer
	Worker   *queue.Worker
}

type Role struct {
	// Consume runs queue workers and the batch writer in this process.
	Consume bool
	// Open connects to the database. Ingest-only processes still need it
	// for the read model.
	Open bool
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, role Role) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Monitor = monitor.New(cfg.Monitor, monitor.WithLogger(logger))
	a.Breakers = connhealth.NewManager(cfg.Breaker, connhealth.WithRecorder(a.Monitor))

	logger.InfoContext(ctx, "initializing redis")
	client, err := xredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis client: %w", err)
	}
	a.Redis = client

	if role.Open || role.Consume {
		logger.InfoContext(ctx, "initializing storage", slog.String(keyDriver, string(cfg.Database.Driver)))
		store, err := storage.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.Store = store
	}

	a.Dedup = dedup.New(a.Redis, a.Breakers.Breaker(connhealth.Cache), cfg.Dedup)
	a.Queue = queue.New(a.Redis, a.Breakers.Breaker(connhealth.Queue), cfg.Queue)

	logger.InfoContext(ctx, "initializing rate limiter", slog.String(keyBackend, string(cfg.RateLimit.Backend)))
	a.Limiter, err = ratelimit.New(cfg.RateLimit, a.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	if role.Consume {
		a.Writer = batch.New(a.Store, a.Breakers.Breaker(connhealth.Database), cfg.Batch,
			batch.WithLogger(logger),
			batch.WithRecorder(a.Monitor),
		)
		a.Worker = queue.NewWorker(a.Queue, ingest.NewProcessor(a.Writer, a.Monitor), cfg.Worker,
			queue.WithWorkerLogger(logger),
		)
	}

	a.Pipeline = ingest.New(cfg.Webhook, ingest.Deps{
		Validator: signature.NewValidator(),
		Dedup:     a.Dedup,
		Queue:     a.Queue,
		Store:     a.Store,
		Breakers:  a.Breakers,
		Monitor:   a.Monitor,
		Writer:    a.Writer,
	})
	return a, nil
}

// Run drives the background loops until ctx is done. The writer drains its
// buffer after the worker has stopped taking jobs.
func (a *App) Run(ctx context.Context) error {
	ctx = xslog.WithLogger(ctx, a.Logger)
	g, gctx := errgroup.WithContext(ctx)

	if m, ok := a.Limiter.(*ratelimit.Memory); ok {
		g.Go(func() error {
			m.Run(gctx)
			return nil
		})
	}

	if a.Worker != nil {
		writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(gctx))
		g.Go(func() error {
			return a.Writer.Run(writerCtx)
		})
		g.Go(func() error {
			defer stopWriter()
			return a.Worker.Run(gctx)
		})
	}

	return g.Wait()
}

func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if a.Breakers != nil {
		if err := a.Breakers.Close(); err != nil && !errors.Is(err, connhealth.ErrManagerClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
