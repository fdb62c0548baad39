package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/garrettladley/payhook/internal/batch"
	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/dedup"
	"github.com/garrettladley/payhook/internal/event"
	"github.com/garrettladley/payhook/internal/monitor"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/signature"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xslog"
)

const (
	opIngest  = "ingest"
	opEnqueue = "enqueue"

	statusWindow = 5 * time.Minute
)

type Config struct {
	Secret string `env:"SECRET"`
	Source string `env:"SOURCE" envDefault:"default"`
	// EnforceSignature rejects unmatched signatures. Outside production it
	// may be turned off to accept them with a warning.
	EnforceSignature bool `env:"ENFORCE_SIGNATURE" envDefault:"true"`
}

// Deps are the components a Pipeline drives. Writer is nil in processes
// that do not run workers.
type Deps struct {
	Validator *signature.Validator
	Dedup     *dedup.Deduplicator
	Queue     *queue.Queue
	Store     storage.Reader
	Breakers  *connhealth.Manager
	Monitor   *monitor.Monitor
	Writer    *batch.Writer
}

var _ Service = (*Pipeline)(nil)

type Pipeline struct {
	cfg   Config
	deps  Deps
	clock clockz.Clock
}

type Option func(*Pipeline)

func WithClock(clock clockz.Clock) Option {
	return func(p *Pipeline) { p.clock = clock }
}

func New(cfg Config, deps Deps, opts ...Option) *Pipeline {
	if deps.Validator == nil {
		deps.Validator = signature.NewValidator()
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.New(monitor.Config{})
	}
	if deps.Breakers == nil {
		deps.Breakers = connhealth.NewManager(connhealth.DefaultConfig())
	}
	p := &Pipeline{
		cfg:   cfg,
		deps:  deps,
		clock: clockz.RealClock,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Ingest(ctx context.Context, req Request) (res Result, err error) {
	done := p.deps.Monitor.Time(opIngest)
	defer func() {
		// rejections are the sender's fault, not a pipeline error
		if res.Status >= http.StatusInternalServerError {
			done(err)
		} else {
			done(nil)
		}
	}()

	payload, err := event.Parse(req.Body)
	if err != nil {
		return Result{Status: http.StatusBadRequest}, err
	}
	normalized := payload.Normalize(req.EventType)

	source := req.Source
	if source == "" {
		source = p.cfg.Source
	}
	e := event.New(normalized, event.Metadata{
		Source:     source,
		Signature:  req.Signature,
		ClientIP:   req.IP,
		UserAgent:  req.UserAgent,
		ReceivedAt: p.clock.Now(),
	})

	logger := xslog.FromContext(ctx).With(
		xslog.EventID(e.ID),
		xslog.EventType(e.Type),
		xslog.Source(source),
	)
	ctx = xslog.WithLogger(ctx, logger)

	if err := p.verify(ctx, req); err != nil {
		return Result{Status: http.StatusUnauthorized, EventID: e.ID}, err
	}

	key := dedup.KeyFor(e)
	if p.deps.Dedup.IsDuplicate(ctx, key) {
		logger.InfoContext(ctx, "duplicate delivery")
		return Result{Accepted: true, EventID: e.ID, Duplicate: true, Status: http.StatusOK}, nil
	}

	enqueued := p.deps.Monitor.Time(opEnqueue)
	jobID, err := p.deps.Queue.Enqueue(ctx, e, req.Body, req.Signature, req.Headers)
	enqueued(err)
	if err != nil {
		return Result{EventID: e.ID, Status: http.StatusInternalServerError}, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	// only an accepted delivery may suppress later ones
	if err := p.deps.Dedup.MarkProcessed(ctx, key); err != nil {
		logger.WarnContext(ctx, "failed to record delivery in dedup cache", xslog.Error(err))
	}

	logger.DebugContext(ctx, "delivery accepted", xslog.JobID(jobID))
	return Result{Accepted: true, EventID: e.ID, JobID: jobID, Status: http.StatusOK}, nil
}

func (p *Pipeline) verify(ctx context.Context, req Request) error {
	logger := xslog.FromContext(ctx)
	if p.cfg.Secret == "" {
		logger.DebugContext(ctx, "no webhook secret configured, skipping signature check")
		return nil
	}

	var err error
	switch {
	case req.Signature == "":
		err = ErrMissingSignature
	case !p.deps.Validator.Validate(ctx, req.Body, req.Signature, signature.Secret{Value: p.cfg.Secret}):
		err = ErrInvalidSignature
	default:
		return nil
	}

	if p.cfg.EnforceSignature {
		return err
	}
	logger.WarnContext(ctx, "accepting unverified delivery", xslog.Error(err))
	return nil
}

// Status never fails; unreachable dependencies show up as critical.
func (p *Pipeline) Status(ctx context.Context) Status {
	s := Status{
		Cache:          p.deps.Dedup.Stats(),
		DBCircuitState: p.deps.Breakers.Breaker(connhealth.Database).State(),
		Dependencies:   p.deps.Breakers.Health(),
		Performance:    p.deps.Monitor.Stats(statusWindow),
		CheckedAt:      p.clock.Now().UTC(),
	}

	statuses := []connhealth.Status{p.deps.Breakers.Status()}
	qs, err := connhealth.Execute(ctx, p.deps.Breakers.Breaker(connhealth.Queue), p.deps.Queue.Stats)
	if err != nil {
		s.QueueError = err.Error()
		statuses = append(statuses, connhealth.StatusCritical)
	} else {
		s.Queue = &qs
		statuses = append(statuses, qs.Health)
	}

	if p.deps.Writer != nil {
		bs := p.deps.Writer.Stats()
		s.Batch = &bs
	}

	s.Status = connhealth.Worst(statuses...)
	return s
}

func (p *Pipeline) db() *connhealth.Breaker {
	return p.deps.Breakers.Breaker(connhealth.Database)
}

func (p *Pipeline) Events(ctx context.Context, f storage.Filter) ([]event.WebhookEvent, error) {
	return connhealth.Execute(ctx, p.db(), func(ctx context.Context) ([]event.WebhookEvent, error) {
		return p.deps.Store.ListEvents(ctx, f)
	})
}

func (p *Pipeline) Transactions(ctx context.Context, f storage.Filter) ([]event.Transaction, error) {
	return connhealth.Execute(ctx, p.db(), func(ctx context.Context) ([]event.Transaction, error) {
		return p.deps.Store.ListTransactions(ctx, f)
	})
}

func (p *Pipeline) Totals(ctx context.Context) (storage.Aggregate, error) {
	return connhealth.Execute(ctx, p.db(), p.deps.Store.Stats)
}

func (p *Pipeline) Daily(ctx context.Context, f storage.Filter) ([]storage.DailyStat, error) {
	return connhealth.Execute(ctx, p.db(), func(ctx context.Context) ([]storage.DailyStat, error) {
		return p.deps.Store.DailyStats(ctx, f)
	})
}

func (p *Pipeline) InvalidateCache(ctx context.Context) (int64, error) {
	return p.deps.Dedup.Invalidate(ctx)
}

// CleanQueue prunes finished jobs. A retention <= 0 uses the queue's own.
func (p *Pipeline) CleanQueue(ctx context.Context, retention time.Duration) (int, error) {
	n, err := p.deps.Queue.Clean(ctx, retention)
	if err != nil {
		return n, err
	}
	xslog.FromContext(ctx).InfoContext(ctx, "queue cleaned", xslog.Count(n))
	return n, nil
}

func (p *Pipeline) RefreshAnalytics(ctx context.Context) error {
	if err := p.db().Do(ctx, p.deps.Store.RefreshAnalytics); err != nil {
		return fmt.Errorf("failed to refresh analytics: %w", err)
	}
	return nil
}

func (p *Pipeline) RetryDead(ctx context.Context, jobID string) error {
	if err := p.deps.Queue.RetryDead(ctx, jobID); err != nil {
		return err
	}
	xslog.FromContext(ctx).InfoContext(ctx, "dead job requeued", xslog.JobID(jobID))
	return nil
}

func (p *Pipeline) DeadJobs(ctx context.Context, limit int) ([]*queue.Job, error) {
	return p.deps.Queue.ListDead(ctx, limit)
}

// IsRejection reports whether err is the sender's fault.
func IsRejection(err error) bool {
	return errors.Is(err, event.ErrMalformedPayload) ||
		errors.Is(err, event.ErrEmptyPayload) ||
		errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrInvalidSignature)
}
