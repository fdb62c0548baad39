package connhealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/garrettladley/payhook/internal/xslog"
)

var ErrCircuitOpen = errors.New("circuit open")

// OpenError is returned while a breaker rejects calls. It matches
// ErrCircuitOpen. RetryAfter is the rest of the cooldown, zero while a
// half-open probe is in flight.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return e.Name + " circuit open"
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Worst returns the most severe of the given statuses.
func Worst(statuses ...Status) Status {
	worst := StatusHealthy
	for _, s := range statuses {
		if s.rank() > worst.rank() {
			worst = s
		}
	}
	return worst
}

type Config struct {
	Threshold       int           `env:"THRESHOLD" envDefault:"5"`
	Cooldown        time.Duration `env:"COOLDOWN" envDefault:"30s"`
	LatencyDegraded time.Duration `env:"LATENCY_DEGRADED" envDefault:"500ms"`
	LatencyCritical time.Duration `env:"LATENCY_CRITICAL" envDefault:"2s"`
}

func DefaultConfig() Config {
	return Config{
		Threshold:       5,
		Cooldown:        30 * time.Second,
		LatencyDegraded: 500 * time.Millisecond,
		LatencyCritical: 2 * time.Second,
	}
}

// Recorder receives the outcome of every guarded operation.
type Recorder interface {
	Record(name string, d time.Duration, err error)
}

// Health is a point-in-time view of one dependency.
type Health struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AvgLatency          time.Duration `json:"avg_latency"`
	LastCheck           time.Time     `json:"last_check"`
	Status              Status        `json:"status"`
}

// ewmaWeight is the share of the newest sample in the rolling latency.
const ewmaWeight = 0.2

// Breaker guards calls to one external dependency.
//
// closed: calls pass; Threshold consecutive failures open the circuit.
// open: calls fail with ErrCircuitOpen without running until Cooldown elapses.
// half_open: exactly one probe runs; success closes, failure reopens.
type Breaker struct {
	name     string
	cfg      Config
	clock    clockz.Clock
	recorder Recorder

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probing    bool
	avgLatency time.Duration
	lastCheck  time.Time
}

func NewBreaker(name string, cfg Config, clock clockz.Clock, recorder Recorder) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		clock:    clock,
		recorder: recorder,
		state:    StateClosed,
	}
}

func (b *Breaker) Name() string { return b.name }

// Do runs op unless the circuit rejects it. A panicking op counts as a
// failure and the panic continues up the stack.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) (err error) {
	probe, err := b.acquire()
	if err != nil {
		if b.recorder != nil {
			b.recorder.Record(b.name, 0, err)
		}
		return err
	}

	start := b.clock.Now()
	defer func() {
		outcome := err
		r := recover()
		if r != nil {
			outcome = fmt.Errorf("panic: %v", r)
		}
		elapsed := b.clock.Since(start)
		b.release(ctx, probe, elapsed, outcome)
		if b.recorder != nil {
			b.recorder.Record(b.name, elapsed, outcome)
		}
		if r != nil {
			panic(r)
		}
	}()

	return op(ctx)
}

// Execute is Do for operations that produce a value.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if since := b.clock.Since(b.openedAt); since < b.cfg.Cooldown {
			return false, &OpenError{Name: b.name, RetryAfter: b.cfg.Cooldown - since}
		}
		b.state = StateHalfOpen
		b.probing = true
		return true, nil
	case StateHalfOpen:
		if b.probing {
			return false, &OpenError{Name: b.name}
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) release(ctx context.Context, probe bool, elapsed time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.lastCheck = now

	// caller cancellation says nothing about the dependency
	if errors.Is(err, context.Canceled) {
		if probe {
			b.probing = false
		}
		return
	}

	if b.avgLatency == 0 {
		b.avgLatency = elapsed
	} else {
		b.avgLatency = time.Duration(ewmaWeight*float64(elapsed) + (1-ewmaWeight)*float64(b.avgLatency))
	}

	if err == nil {
		if b.state != StateClosed {
			xslog.FromContext(ctx).InfoContext(ctx, "circuit closed", xslog.Breaker(b.name))
		}
		b.state = StateClosed
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++
	if probe || b.failures >= b.cfg.Threshold {
		if b.state != StateOpen {
			xslog.FromContext(ctx).WarnContext(ctx, "circuit opened",
				xslog.Breaker(b.name),
				slog.Int("consecutive_failures", b.failures),
				xslog.Error(err),
			)
		}
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Health{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		AvgLatency:          b.avgLatency,
		LastCheck:           b.lastCheck,
		Status:              b.classify(),
	}
}

func (b *Breaker) classify() Status {
	switch {
	case b.state == StateOpen:
		return StatusCritical
	case b.cfg.LatencyCritical > 0 && b.avgLatency >= b.cfg.LatencyCritical:
		return StatusCritical
	case b.state == StateHalfOpen, b.failures > 0:
		return StatusDegraded
	case b.cfg.LatencyDegraded > 0 && b.avgLatency >= b.cfg.LatencyDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.avgLatency = 0
}
