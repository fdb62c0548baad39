package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/xslog"
)

// Handler processes one job. A nil error completes it, anything else counts
// as a failed attempt.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

type WorkerConfig struct {
	Enabled             bool          `env:"ENABLED" envDefault:"true"`
	Pollers             int           `env:"POLLERS" envDefault:"2"`
	Concurrency         int           `env:"CONCURRENCY" envDefault:"64"`
	PollTimeout         time.Duration `env:"POLL_TIMEOUT" envDefault:"1s"`
	JobTimeout          time.Duration `env:"JOB_TIMEOUT" envDefault:"30s"`
	MaintenanceInterval time.Duration `env:"MAINTENANCE_INTERVAL" envDefault:"1m"`
	ErrorBackoff        time.Duration `env:"ERROR_BACKOFF" envDefault:"1s"`
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Enabled:             true,
		Pollers:             2,
		Concurrency:         64,
		PollTimeout:         time.Second,
		JobTimeout:          30 * time.Second,
		MaintenanceInterval: time.Minute,
		ErrorBackoff:        time.Second,
	}
}

// Worker pulls jobs with several pollers sharing one in-flight bound. Jobs
// are processed concurrently so a handler waiting on a batch flush does not
// stall the poller.
type Worker struct {
	queue   *Queue
	handler Handler
	cfg     WorkerConfig
	clock   clockz.Clock
	logger  *slog.Logger

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
}

type WorkerOption func(*Worker)

func WithWorkerClock(clock clockz.Clock) WorkerOption {
	return func(w *Worker) { w.clock = clock }
}

func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

func NewWorker(q *Queue, h Handler, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Pollers <= 0 {
		cfg.Pollers = def.Pollers
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}

	w := &Worker{
		queue:   q,
		handler: h,
		cfg:     cfg,
		clock:   clockz.RealClock,
		logger:  slog.Default(),
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is done, then waits for in-flight jobs to settle.
func (w *Worker) Run(ctx context.Context) error {
	ctx = xslog.WithLogger(ctx, w.logger)
	w.logger.InfoContext(ctx, "worker started",
		slog.Int("pollers", w.cfg.Pollers),
		slog.Int("concurrency", w.cfg.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Pollers {
		g.Go(func() error {
			w.poll(gctx, i)
			return nil
		})
	}
	if w.cfg.MaintenanceInterval > 0 {
		g.Go(func() error {
			w.maintain(gctx)
			return nil
		})
	}

	err := g.Wait()
	w.inflight.Wait()
	w.logger.InfoContext(ctx, "worker stopped")
	return err
}

func (w *Worker) poll(ctx context.Context, id int) {
	logger := w.logger.With(xslog.Worker(id))
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			w.sem.Release(1)
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, ErrNoJob):
				continue
			case errors.Is(err, ErrJobNotFound):
				logger.WarnContext(ctx, "dropped job without document", xslog.Error(err))
				continue
			}
			logger.ErrorContext(ctx, "failed to dequeue", xslog.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-w.clock.After(w.cfg.ErrorBackoff):
			}
			continue
		}

		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			defer w.sem.Release(1)
			w.process(context.WithoutCancel(ctx), job)
		}()
	}
}

// process runs detached from the poller context so shutdown lets the job
// finish and be acknowledged.
func (w *Worker) process(ctx context.Context, job *Job) {
	logger := w.logger.With(
		xslog.JobID(job.ID),
		xslog.EventID(job.Event.ID),
		xslog.Attempt(job.Attempts, job.MaxAttempts),
	)
	ctx = xslog.WithLogger(ctx, logger)

	runCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = w.clock.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	start := w.clock.Now()
	err := w.handler.Handle(runCtx, job)
	if err == nil {
		if err := w.queue.Complete(ctx, job); err != nil {
			logger.ErrorContext(ctx, "failed to acknowledge job", xslog.Error(err))
			return
		}
		logger.DebugContext(ctx, "job completed", xslog.Duration(w.clock.Since(start)))
		return
	}

	if ferr := w.queue.Fail(ctx, job, err); ferr != nil {
		logger.ErrorContext(ctx, "failed to record job failure", xslog.Error(ferr), slog.String("cause", err.Error()))
		return
	}
	if job.Status == StatusDead {
		logger.ErrorContext(ctx, "job moved to dead set",
			xslog.AlertGroup("job_dead", job.Event.ID, job.Event.Type),
			xslog.Error(err),
		)
		return
	}
	if errors.Is(err, connhealth.ErrCircuitOpen) {
		logger.InfoContext(ctx, "dependency unavailable, job deferred",
			xslog.Error(err),
			slog.Time("next_attempt_at", *job.NextAttemptAt),
		)
		return
	}
	logger.WarnContext(ctx, "job failed, retry scheduled",
		xslog.Error(err),
		slog.Time("next_attempt_at", *job.NextAttemptAt),
	)
}

func (w *Worker) maintain(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			w.Maintain(ctx)
		}
	}
}

// Maintain requeues stalled jobs and prunes finished ones.
func (w *Worker) Maintain(ctx context.Context) {
	if n, err := w.queue.RequeueStalled(ctx); err != nil {
		w.logger.ErrorContext(ctx, "stall sweep failed", xslog.Error(err))
	} else if n > 0 {
		w.logger.WarnContext(ctx, "requeued stalled jobs", xslog.Count(n))
	}

	if n, err := w.queue.Clean(ctx, 0); err != nil {
		w.logger.ErrorContext(ctx, "queue clean failed", xslog.Error(err))
	} else if n > 0 {
		w.logger.InfoContext(ctx, "cleaned finished jobs", xslog.Count(n))
	}
}
