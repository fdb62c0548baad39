package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/garrettladley/payhook/internal/batch"
	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/dedup"
	appenv "github.com/garrettladley/payhook/internal/env"
	"github.com/garrettladley/payhook/internal/ingest"
	"github.com/garrettladley/payhook/internal/monitor"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/ratelimit"
	xredis "github.com/garrettladley/payhook/internal/redis"
	"github.com/garrettladley/payhook/internal/storage"
)

var (
	ErrMissingSecret     = errors.New("WEBHOOK_SECRET is required in production")
	ErrMissingAdminToken = errors.New("ADMIN_TOKEN is required in production")
	ErrUnenforced        = errors.New("WEBHOOK_ENFORCE_SIGNATURE cannot be disabled in production")
	ErrMemoryDatabase    = errors.New("DATABASE_DRIVER=memory is not allowed in production")
	ErrMissingDatabase   = errors.New("DATABASE_URL is required for the postgres driver")
	ErrNegativeProxies   = errors.New("TRUSTED_PROXIES must not be negative")
)

type Config struct {
	Port          string             `env:"PORT" envDefault:"8080"`
	Env           appenv.Environment `env:"ENV" envDefault:"development"`
	AdminToken    string             `env:"ADMIN_TOKEN"`
	MaxBodyBytes  int64              `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	ShutdownGrace time.Duration      `env:"SHUTDOWN_GRACE" envDefault:"2s"`
	// TrustedProxies is how many reverse proxies append to X-Forwarded-For
	// in front of the server. Zero uses the socket peer.
	TrustedProxies int `env:"TRUSTED_PROXIES" envDefault:"1"`

	Webhook   ingest.Config      `envPrefix:"WEBHOOK_"`
	Redis     xredis.Config      `envPrefix:"REDIS_"`
	Database  storage.Config     `envPrefix:"DATABASE_"`
	Dedup     dedup.Config       `envPrefix:"DEDUP_"`
	Queue     queue.Config       `envPrefix:"QUEUE_"`
	Worker    queue.WorkerConfig `envPrefix:"WORKER_"`
	Batch     batch.Config       `envPrefix:"BATCH_"`
	Breaker   connhealth.Config  `envPrefix:"BREAKER_"`
	Monitor   monitor.Config     `envPrefix:"MONITOR_"`
	RateLimit ratelimit.Config   `envPrefix:"RATE_"`
}

func Read() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations that would silently weaken a deployment.
func (c Config) Validate() error {
	if err := c.Env.Validate(); err != nil {
		return err
	}

	var errs []error
	if c.Redis.URL == "" {
		errs = append(errs, xredis.ErrMissingURL)
	}
	if c.Database.Driver != storage.DriverMemory && c.Database.URL == "" {
		errs = append(errs, ErrMissingDatabase)
	}
	if c.Env.IsProduction() {
		if c.Webhook.Secret == "" {
			errs = append(errs, ErrMissingSecret)
		}
		if !c.Webhook.EnforceSignature {
			errs = append(errs, ErrUnenforced)
		}
		if c.AdminToken == "" {
			errs = append(errs, ErrMissingAdminToken)
		}
		if c.Database.Driver == storage.DriverMemory {
			errs = append(errs, ErrMemoryDatabase)
		}
	}
	if c.Batch.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_MAX_SIZE must be positive, got %d", c.Batch.MaxSize))
	}
	if c.TrustedProxies < 0 {
		errs = append(errs, ErrNegativeProxies)
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.Queue.MaxAttempts))
	}
	return errors.Join(errs...)
}
