package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appenv "github.com/garrettladley/payhook/internal/env"
	"github.com/garrettladley/payhook/internal/ratelimit"
	"github.com/garrettladley/payhook/internal/storage"
)

func TestReadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DATABASE_DRIVER", "memory")

	cfg, err := Read()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, appenv.Development, cfg.Env)
	require.Equal(t, storage.DriverMemory, cfg.Database.Driver)
	require.Equal(t, "default", cfg.Webhook.Source)
	require.True(t, cfg.Webhook.EnforceSignature)
	require.Equal(t, time.Hour, cfg.Dedup.TTL)
	require.Equal(t, 3, cfg.Queue.MaxAttempts)
	require.Equal(t, 25, cfg.Batch.MaxSize)
	require.Equal(t, 2*time.Second, cfg.Batch.MaxAge)
	require.Equal(t, 5, cfg.Breaker.Threshold)
	require.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	require.Equal(t, ratelimit.BackendMemory, cfg.RateLimit.Backend)
	require.Equal(t, 0.1, cfg.Queue.Health.DegradedFailureRate)
	require.Equal(t, 1, cfg.TrustedProxies)
}

func TestReadOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DATABASE_URL", "postgres://localhost/payhook")
	t.Setenv("WEBHOOK_SECRET", "whsec_test")
	t.Setenv("BATCH_MAX_SIZE", "50")
	t.Setenv("QUEUE_BACKOFF_BASE", "500ms")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("RATE_BACKEND", "redis")

	cfg, err := Read()
	require.NoError(t, err)
	require.Equal(t, storage.DriverPostgres, cfg.Database.Driver)
	require.Equal(t, "whsec_test", cfg.Webhook.Secret)
	require.Equal(t, 50, cfg.Batch.MaxSize)
	require.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffBase)
	require.Equal(t, 8, cfg.Worker.Concurrency)
	require.Equal(t, ratelimit.BackendRedis, cfg.RateLimit.Backend)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Env:        appenv.Production,
			AdminToken: "admin",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   []error
	}{
		{
			name:   "production without secret",
			mutate: func(c *Config) { c.Webhook.Secret = "" },
			want:   []error{ErrMissingSecret},
		},
		{
			name: "production with enforcement off",
			mutate: func(c *Config) {
				c.Webhook.EnforceSignature = false
			},
			want: []error{ErrUnenforced},
		},
		{
			name:   "production without admin token",
			mutate: func(c *Config) { c.AdminToken = "" },
			want:   []error{ErrMissingAdminToken},
		},
		{
			name:   "production on memory store",
			mutate: func(c *Config) { c.Database.Driver = storage.DriverMemory },
			want:   []error{ErrMemoryDatabase},
		},
		{
			name: "development relaxes production rules",
			mutate: func(c *Config) {
				c.Env = appenv.Development
				c.Webhook.Secret = ""
				c.Webhook.EnforceSignature = false
				c.AdminToken = ""
			},
		},
		{
			name:   "negative proxy depth",
			mutate: func(c *Config) { c.TrustedProxies = -1 },
			want:   []error{ErrNegativeProxies},
		},
		{
			name:   "postgres without url",
			mutate: func(c *Config) { c.Database.URL = "" },
			want:   []error{ErrMissingDatabase},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			cfg.Redis.URL = "redis://localhost:6379/0"
			cfg.Database = storage.Config{Driver: storage.DriverPostgres, URL: "postgres://localhost/payhook"}
			cfg.Webhook.Secret = "whsec_test"
			cfg.Webhook.EnforceSignature = true
			cfg.Batch.MaxSize = 25
			cfg.Queue.MaxAttempts = 3
			tt.mutate(&cfg)

			err := cfg.Validate()
			if len(tt.want) == 0 {
				require.NoError(t, err)
				return
			}
			for _, want := range tt.want {
				require.True(t, errors.Is(err, want), "Validate() = %v, want %v", err, want)
			}
		})
	}
}

func TestValidateRejectsUnknownEnv(t *testing.T) {
	t.Parallel()

	err := Config{Env: "staging"}.Validate()
	require.Error(t, err)
}
