package monitor

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/garrettladley/payhook/internal/xslog"
)

const DefaultSamples = 1000

type Config struct {
	Samples int `env:"SAMPLES" envDefault:"1000"`
}

type sample struct {
	at       time.Time
	duration time.Duration
	err      string
	failed   bool
}

// ring keeps the newest cap samples of one operation.
type ring struct {
	samples []sample
	next    int
	full    bool
}

func (r *ring) add(s sample) {
	if !r.full && len(r.samples) < cap(r.samples) {
		r.samples = append(r.samples, s)
		if len(r.samples) == cap(r.samples) {
			r.full = true
		}
		return
	}
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
}

type OperationStats struct {
	Count       int           `json:"count"`
	Errors      int           `json:"errors"`
	ErrorRate   float64       `json:"error_rate"`
	Avg         time.Duration `json:"avg"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	Max         time.Duration `json:"max"`
	LastError   string        `json:"last_error,omitempty"`
	LastErrorAt *time.Time    `json:"last_error_at,omitempty"`
}

type PerformanceStats struct {
	Window     time.Duration             `json:"window"`
	Count      int                       `json:"count"`
	ErrorRate  float64                   `json:"error_rate"`
	Operations map[string]OperationStats `json:"operations"`
}

// Monitor keeps a bounded rolling window of latency and error samples per
// operation name. Recording never fails the caller.
type Monitor struct {
	clock    clockz.Clock
	logger   *slog.Logger
	capacity int

	mu  sync.Mutex
	ops map[string]*ring
}

type Option func(*Monitor)

func WithClock(clock clockz.Clock) Option {
	return func(m *Monitor) { m.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

func New(cfg Config, opts ...Option) *Monitor {
	capacity := cfg.Samples
	if capacity <= 0 {
		capacity = DefaultSamples
	}
	m := &Monitor{
		clock:    clockz.RealClock,
		capacity: capacity,
		ops:      make(map[string]*ring),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

// Record stores one outcome. A nil err is a success.
func (m *Monitor) Record(name string, d time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log().Error("failed to record operation", slog.String("operation", name), xslog.ErrorAny(r))
		}
	}()

	s := sample{at: m.clock.Now(), duration: d}
	if err != nil {
		s.failed = true
		s.err = err.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.ops[name]
	if !ok {
		r = &ring{samples: make([]sample, 0, m.capacity)}
		m.ops[name] = r
	}
	r.add(s)
}

// Time starts a measurement; call the returned func with the outcome.
func (m *Monitor) Time(name string) func(error) {
	start := m.clock.Now()
	return func(err error) {
		m.Record(name, m.clock.Since(start), err)
	}
}

// Stats aggregates samples newer than window. A window <= 0 covers every
// retained sample.
func (m *Monitor) Stats(window time.Duration) (stats PerformanceStats) {
	stats = PerformanceStats{Window: window, Operations: map[string]OperationStats{}}
	defer func() {
		if r := recover(); r != nil {
			m.log().Error("failed to aggregate stats", xslog.ErrorAny(r))
		}
	}()

	var cutoff time.Time
	if window > 0 {
		cutoff = m.clock.Now().Add(-window)
	}

	m.mu.Lock()
	snapshot := make(map[string][]sample, len(m.ops))
	for name, r := range m.ops {
		kept := make([]sample, 0, len(r.samples))
		for _, s := range r.samples {
			if cutoff.IsZero() || !s.at.Before(cutoff) {
				kept = append(kept, s)
			}
		}
		snapshot[name] = kept
	}
	m.mu.Unlock()

	var total, failed int
	for name, samples := range snapshot {
		if len(samples) == 0 {
			continue
		}
		op := aggregate(samples)
		stats.Operations[name] = op
		total += op.Count
		failed += op.Errors
	}
	stats.Count = total
	if total > 0 {
		stats.ErrorRate = float64(failed) / float64(total)
	}
	return stats
}

func aggregate(samples []sample) OperationStats {
	durations := make([]time.Duration, len(samples))
	var sum time.Duration
	var op OperationStats
	var lastErrAt time.Time

	for i, s := range samples {
		durations[i] = s.duration
		sum += s.duration
		if s.failed {
			op.Errors++
			if s.at.After(lastErrAt) || op.LastError == "" {
				lastErrAt = s.at
				op.LastError = s.err
			}
		}
	}
	slices.Sort(durations)

	op.Count = len(samples)
	op.ErrorRate = float64(op.Errors) / float64(op.Count)
	op.Avg = sum / time.Duration(op.Count)
	op.P50 = percentile(durations, 50)
	op.P95 = percentile(durations, 95)
	op.P99 = percentile(durations, 99)
	op.Max = durations[len(durations)-1]
	if op.Errors > 0 {
		op.LastErrorAt = &lastErrAt
	}
	return op
}

// percentile uses nearest rank on sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
