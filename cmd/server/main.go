package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/garrettladley/payhook/internal/app"
	"github.com/garrettladley/payhook/internal/config"
	"github.com/garrettladley/payhook/internal/server"
	"github.com/garrettladley/payhook/internal/xslog"
)

const (
	keyPort        = "port"
	keyWorker      = "worker"
	keyGracePeriod = "grace_period"
)

func main() {
	_ = godotenv.Load()

	logger := xslog.NewLoggerFromEnv(os.Stdout)
	slog.SetDefault(logger)

	ctx := context.Background()
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

	a, err := app.New(ctx, cfg, logger, app.Role{Open: true, Consume: cfg.Worker.Enabled})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close app", xslog.Error(err))
		}
	}()

	shutdownCoordinator := server.NewShutdownCoordinator(cfg.ShutdownGrace, nil)

	httpServer := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: server.NewRouter(server.RouterConfig{
			Service:        a.Pipeline,
			Limiter:        a.Limiter,
			Logger:         logger,
			AdminToken:     cfg.AdminToken,
			MaxBodyBytes:   cfg.MaxBodyBytes,
			TrustedProxies: cfg.TrustedProxies,
			Draining:       shutdownCoordinator.Draining,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	bgDone := make(chan error, 1)
	go func() { bgDone <- a.Run(bgCtx) }()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting server",
			xslog.Version(),
			xslog.Env(string(cfg.Env)),
			slog.String(keyPort, cfg.Port),
			slog.Bool(keyWorker, cfg.Worker.Enabled))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-done:
		logger.InfoContext(ctx, "shutdown signal received, initiating graceful shutdown")
	case err := <-serveErr:
		stopBackground()
		<-bgDone
		return fmt.Errorf("server error: %w", err)
	}

	// fail health checks so the load balancer drains this instance first
	shutdownCoordinator.InitiateShutdown(ctx)
	logger.InfoContext(ctx, "drain period complete, shutting down server",
		slog.Duration(keyGracePeriod, cfg.ShutdownGrace))

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)

	stopBackground()
	if err := <-bgDone; err != nil {
		logger.ErrorContext(ctx, "background loops stopped with error", xslog.Error(err))
	}

	if shutdownErr != nil {
		return fmt.Errorf("server shutdown failed: %w", shutdownErr)
	}
	logger.InfoContext(ctx, "server stopped")
	return nil
}
