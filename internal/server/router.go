package server

import (
	"log/slog"
	"net/http"

	"github.com/garrettladley/payhook/internal/ingest"
	"github.com/garrettladley/payhook/internal/ratelimit"
	"github.com/garrettladley/payhook/internal/server/handler"
	servermw "github.com/garrettladley/payhook/internal/server/middleware"
	"github.com/garrettladley/payhook/internal/xhttp/middleware"
)

type RouterConfig struct {
	Service      ingest.Service
	Limiter      ratelimit.Limiter
	Logger       *slog.Logger
	AdminToken   string
	MaxBodyBytes int64
	// TrustedProxies is the X-Forwarded-For depth to trust. Zero uses the
	// socket peer.
	TrustedProxies int
	// Draining reports whether shutdown has begun. Nil means never.
	Draining func() bool
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Unlimited{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Draining == nil {
		cfg.Draining = func() bool { return false }
	}

	webhookHandler := handler.NewWebhook(cfg.Service, cfg.MaxBodyBytes)
	healthHandler := handler.NewHealth(cfg.Service)
	reportsHandler := handler.NewReports(cfg.Service)
	adminHandler := handler.NewAdmin(cfg.Service)

	mux := http.NewServeMux()

	// provider deliveries, protected by the per-IP limiter
	webhookMux := http.NewServeMux()
	webhookMux.HandleFunc("POST /webhooks/{source}", webhookHandler.HandleWebhook)
	mux.Handle("/webhooks/", middleware.Chain(webhookMux,
		servermw.RateLimit(cfg.Limiter),
	))

	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /stats", reportsHandler.HandleStats)
	mux.HandleFunc("GET /stats/daily", reportsHandler.HandleDaily)
	mux.HandleFunc("GET /events", reportsHandler.HandleEvents)
	mux.HandleFunc("GET /transactions", reportsHandler.HandleTransactions)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("POST /admin/invalidate-cache", adminHandler.HandleInvalidateCache)
	adminMux.HandleFunc("POST /admin/clean-queue", adminHandler.HandleCleanQueue)
	adminMux.HandleFunc("POST /admin/refresh-analytics", adminHandler.HandleRefreshAnalytics)
	adminMux.HandleFunc("POST /admin/retry/{id}", adminHandler.HandleRetry)
	adminMux.HandleFunc("GET /admin/dead", adminHandler.HandleDead)
	mux.Handle("/admin/", middleware.Chain(adminMux,
		servermw.AdminToken(cfg.AdminToken),
	))

	return middleware.Chain(mux,
		middleware.Recovery,
		middleware.ClientIP(cfg.TrustedProxies),
		middleware.RequestID(),
		middleware.Logger(cfg.Logger),
		middleware.Logging,
		middleware.ShutdownContext(cfg.Draining),
		middleware.Gzip,
		middleware.SecurityHeaders,
	)
}
