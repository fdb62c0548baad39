package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zoobzio/clockz"
)

const keyPrefix = "ratelimit:"

//go:embed ratelimit.lua
var rateLimitLua string

var rateLimitScript = redis.NewScript(rateLimitLua)

// Redis is a sliding one second window shared by all instances.
type Redis struct {
	client *redis.Client
	clock  clockz.Clock
	window time.Duration
	limit  int
}

func NewRedis(client *redis.Client, ratePerSec float64, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		clock:  clockz.RealClock,
		window: time.Second,
		limit:  max(int(math.Ceil(ratePerSec)), 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type RedisOption func(*Redis)

func WithRedisClock(clock clockz.Clock) RedisOption {
	return func(r *Redis) { r.clock = clock }
}

func (r *Redis) Allow(ctx context.Context, key string) (Result, error) {
	res, err := rateLimitScript.Run(ctx, r.client,
		[]string{keyPrefix + key},
		r.clock.Now().UnixMilli(), r.window.Milliseconds(), r.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}
	return Result{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}
