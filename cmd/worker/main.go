package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/garrettladley/payhook/internal/app"
	"github.com/garrettladley/payhook/internal/config"
	"github.com/garrettladley/payhook/internal/xslog"
)

func main() {
	_ = godotenv.Load()

	logger := xslog.NewLoggerFromEnv(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", xslog.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Read()
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	a, err := app.New(ctx, cfg, logger, app.Role{Open: true, Consume: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.ErrorContext(context.WithoutCancel(ctx), "failed to close app", xslog.Error(err))
		}
	}()

	logger.InfoContext(ctx, "starting worker", xslog.Version(), xslog.Env(string(cfg.Env)))
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	logger.InfoContext(context.WithoutCancel(ctx), "worker stopped")
	return nil
}
