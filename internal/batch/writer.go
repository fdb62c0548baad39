// Package batch buffers processed webhook events and writes them to the
// store in bounded, atomic batches.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/event"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xslog"
)

var ErrClosed = errors.New("batch writer closed")

const operationFlush = "batch_flush"

type Config struct {
	MaxSize      int           `env:"MAX_SIZE" envDefault:"25"`
	MaxAge       time.Duration `env:"MAX_AGE" envDefault:"2s"`
	FlushTimeout time.Duration `env:"FLUSH_TIMEOUT" envDefault:"5s"`
	// FlushRetries is the number of attempts after the first one.
	FlushRetries int           `env:"FLUSH_RETRIES" envDefault:"3"`
	FlushBackoff time.Duration `env:"FLUSH_BACKOFF" envDefault:"200ms"`
}

func DefaultConfig() Config {
	return Config{
		MaxSize:      25,
		MaxAge:       2 * time.Second,
		FlushTimeout: 5 * time.Second,
		FlushRetries: 3,
		FlushBackoff: 200 * time.Millisecond,
	}
}

// Ticket resolves once the batch holding an event has been committed or
// given up on.
type Ticket struct {
	done chan struct{}
	err  error
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

func (t *Ticket) resolve(err error) {
	t.err = err
	close(t.done)
}

// Wait blocks until the batch outcome is known or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the ticket is resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

type entry struct {
	event  event.WebhookEvent
	ticket *Ticket
}

type Stats struct {
	Pending       int   `json:"pending"`
	Flushes       int64 `json:"flushes"`
	FailedFlushes int64 `json:"failed_flushes"`
	Attempts      int64 `json:"attempts"`
	Written       int64 `json:"written"`
	Dropped       int64 `json:"dropped"`
}

// Writer owns the per-process buffer. A batch is flushed when it reaches
// MaxSize or when its oldest event is MaxAge old, whichever comes first.
type Writer struct {
	store    storage.Store
	breaker  *connhealth.Breaker
	recorder connhealth.Recorder
	cfg      Config
	clock    clockz.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	pending []entry
	oldest  time.Time
	closed  bool
	stats   Stats

	wake chan struct{}
}

type Option func(*Writer)

func WithClock(clock clockz.Clock) Option {
	return func(w *Writer) { w.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// WithRecorder reports every flush outcome, typically to a monitor.Monitor.
func WithRecorder(r connhealth.Recorder) Option {
	return func(w *Writer) { w.recorder = r }
}

func New(store storage.Store, breaker *connhealth.Breaker, cfg Config, opts ...Option) *Writer {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.FlushRetries < 0 {
		cfg.FlushRetries = 0
	}

	w := &Writer{
		store:   store,
		breaker: breaker,
		cfg:     cfg,
		clock:   clockz.RealClock,
		logger:  slog.Default(),
		pending: make([]entry, 0, cfg.MaxSize),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add buffers e. The caller that fills the batch flushes it before Add
// returns.
func (w *Writer) Add(ctx context.Context, e event.WebhookEvent) *Ticket {
	t := newTicket()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		t.resolve(ErrClosed)
		return t
	}
	if len(w.pending) == 0 {
		w.oldest = w.clock.Now()
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	w.pending = append(w.pending, entry{event: e, ticket: t})
	var full []entry
	if len(w.pending) >= w.cfg.MaxSize {
		full = w.takeLocked()
	}
	w.mu.Unlock()

	if full != nil {
		w.flush(ctx, full)
	}
	return t
}

func (w *Writer) takeLocked() []entry {
	batch := w.pending
	w.pending = make([]entry, 0, w.cfg.MaxSize)
	w.oldest = time.Time{}
	return batch
}

// Run flushes aged batches until ctx is done, then drains the buffer.
func (w *Writer) Run(ctx context.Context) error {
	for {
		w.mu.Lock()
		oldest := w.oldest
		w.mu.Unlock()

		var expired <-chan time.Time
		if !oldest.IsZero() {
			expired = w.clock.After(max(w.cfg.MaxAge-w.clock.Since(oldest), 0))
		}

		select {
		case <-ctx.Done():
			return w.Close(context.WithoutCancel(ctx))
		case <-w.wake:
		case <-expired:
			w.flushExpired(ctx)
		}
	}
}

// flushExpired flushes the buffer if its oldest event reached MaxAge.
func (w *Writer) flushExpired(ctx context.Context) bool {
	w.mu.Lock()
	if len(w.pending) == 0 || w.clock.Since(w.oldest) < w.cfg.MaxAge {
		w.mu.Unlock()
		return false
	}
	batch := w.takeLocked()
	w.mu.Unlock()

	w.flush(ctx, batch)
	return true
}

// Flush writes whatever is buffered now.
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.takeLocked()
	w.mu.Unlock()

	w.flush(ctx, batch)
}

// Close stops accepting events and drains the buffer. Calling it again is
// a no-op.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	batch := w.takeLocked()
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := w.flush(ctx, batch); err != nil {
		return fmt.Errorf("failed to drain %d buffered events: %w", len(batch), err)
	}
	return nil
}

// flush writes one batch, retrying the whole transaction with backoff. An
// open circuit ends the retries early. It runs detached from the caller's
// cancellation since the batch holds other callers' events.
func (w *Writer) flush(ctx context.Context, batch []entry) error {
	ctx = context.WithoutCancel(ctx)
	events := make([]event.WebhookEvent, len(batch))
	for i, en := range batch {
		events[i] = en.event
	}

	start := w.clock.Now()
	var (
		err      error
		attempts int
	)
	for attempt := 0; attempt <= w.cfg.FlushRetries; attempt++ {
		if attempt > 0 && w.cfg.FlushBackoff > 0 {
			<-w.clock.After(w.cfg.FlushBackoff << (attempt - 1))
		}
		attempts++
		err = w.breaker.Do(ctx, func(ctx context.Context) error {
			if w.cfg.FlushTimeout <= 0 {
				return w.store.WriteBatch(ctx, events)
			}
			fctx, cancel := w.clock.WithTimeout(ctx, w.cfg.FlushTimeout)
			defer cancel()
			return w.store.WriteBatch(fctx, events)
		})
		if err == nil || errors.Is(err, connhealth.ErrCircuitOpen) {
			break
		}
		w.logger.WarnContext(ctx, "batch flush attempt failed",
			xslog.Count(len(events)),
			xslog.Attempt(attempt+1, w.cfg.FlushRetries+1),
			xslog.Error(err),
		)
	}
	elapsed := w.clock.Since(start)
	if w.recorder != nil {
		w.recorder.Record(operationFlush, elapsed, err)
	}

	w.mu.Lock()
	w.stats.Flushes++
	w.stats.Attempts += int64(attempts)
	if err == nil {
		w.stats.Written += int64(len(events))
	} else {
		w.stats.FailedFlushes++
		w.stats.Dropped += int64(len(events))
	}
	w.mu.Unlock()

	if err != nil {
		for _, e := range events {
			w.logger.ErrorContext(ctx, "dropped event after failed batch flush",
				xslog.AlertGroup("batch_flush_failed", e.ID, e.Type),
				xslog.Error(err),
			)
		}
		err = fmt.Errorf("failed to flush batch of %d events: %w", len(events), err)
	} else {
		w.logger.DebugContext(ctx, "batch flushed", xslog.Count(len(events)), xslog.Duration(elapsed))
	}

	for _, en := range batch {
		en.ticket.resolve(err)
	}
	return err
}

func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Pending = len(w.pending)
	return s
}
