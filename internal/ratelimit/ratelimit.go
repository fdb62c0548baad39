// Package ratelimit bounds how often a single client may deliver webhooks.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrUnknownBackend = errors.New("unknown rate limit backend")
	ErrMissingClient  = errors.New("redis rate limit backend requires a client")
)

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

type Config struct {
	Backend Backend `env:"BACKEND" envDefault:"memory"`
	// Limit is requests per second per key. Zero disables limiting.
	Limit float64 `env:"LIMIT" envDefault:"100"`
	// Burst applies to the memory backend only.
	Burst int `env:"BURST" envDefault:"200"`
}

type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// New builds the limiter selected by cfg.Backend. The memory backend is per
// process; the redis backend is shared by every instance.
func New(cfg Config, client *redis.Client) (Limiter, error) {
	if cfg.Limit <= 0 {
		return Unlimited{}, nil
	}
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(cfg.Limit, cfg.Burst), nil
	case BackendRedis:
		if client == nil {
			return nil, ErrMissingClient
		}
		return NewRedis(client, cfg.Limit), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (Result, error) {
	return Result{Allowed: true}, nil
}
