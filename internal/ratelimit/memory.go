package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"golang.org/x/time/rate"
)

const idleAfter = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Memory keeps one token bucket per key.
type Memory struct {
	clock clockz.Clock
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*entry
}

type MemoryOption func(*Memory)

func WithClock(clock clockz.Clock) MemoryOption {
	return func(m *Memory) { m.clock = clock }
}

func NewMemory(ratePerSec float64, burst int, opts ...MemoryOption) *Memory {
	if burst <= 0 {
		burst = 1
	}
	m := &Memory{
		clock:    clockz.RealClock,
		limit:    rate.Limit(ratePerSec),
		burst:    burst,
		limiters: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Allow(_ context.Context, key string) (Result, error) {
	now := m.clock.Now()

	m.mu.Lock()
	e, ok := m.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.limiters[key] = e
	}
	e.lastSeen = now
	m.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Result{Allowed: false, RetryAfter: delay}, nil
	}
	return Result{Allowed: true}, nil
}

// Run evicts idle buckets until ctx is done.
func (m *Memory) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(idleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.evict()
		}
	}
}

func (m *Memory) evict() int {
	cutoff := m.clock.Now().Add(-idleAfter)

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for key, e := range m.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(m.limiters, key)
			n++
		}
	}
	return n
}
