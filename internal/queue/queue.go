// Package queue is a Redis-backed job queue for accepted webhook events.
//
// Jobs move waiting -> active -> completed, or back through the delayed set
// after a retryable failure, or to dead once attempts are exhausted. The
// atomic BRPOPLPUSH from waiting to active is the only mutual exclusion
// between competing workers.
package queue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zoobzio/clockz"

	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/event"
	"github.com/garrettladley/payhook/internal/xslog"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrNoJob       = errors.New("no job available")
	ErrJobNotFound = errors.New("job not found")
)

var (
	//go:embed enqueue.lua
	enqueueLua string
	//go:embed promote.lua
	promoteLua string
	//go:embed requeue_stalled.lua
	requeueStalledLua string
	//go:embed clean.lua
	cleanLua string
	//go:embed retry_dead.lua
	retryDeadLua string

	enqueueScript        = redis.NewScript(enqueueLua)
	promoteScript        = redis.NewScript(promoteLua)
	requeueStalledScript = redis.NewScript(requeueStalledLua)
	cleanScript          = redis.NewScript(cleanLua)
	retryDeadScript      = redis.NewScript(retryDeadLua)
)

type Config struct {
	Name         string        `env:"NAME" envDefault:"webhooks"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase  time.Duration `env:"BACKOFF_BASE" envDefault:"2s"`
	BackoffMax   time.Duration `env:"BACKOFF_MAX" envDefault:"1m"`
	MaxWaiting   int           `env:"MAX_WAITING" envDefault:"10000"`
	Retention    time.Duration `env:"RETENTION" envDefault:"24h"`
	StallTimeout time.Duration `env:"STALL_TIMEOUT" envDefault:"5m"`
	JobTTL       time.Duration `env:"JOB_TTL" envDefault:"168h"`
	BatchLimit   int           `env:"BATCH_LIMIT" envDefault:"500"`
	Health       HealthConfig  `envPrefix:"HEALTH_"`
}

func DefaultConfig() Config {
	return Config{
		Name:         "webhooks",
		MaxAttempts:  3,
		BackoffBase:  2 * time.Second,
		BackoffMax:   time.Minute,
		MaxWaiting:   10000,
		Retention:    24 * time.Hour,
		StallTimeout: 5 * time.Minute,
		JobTTL:       7 * 24 * time.Hour,
		BatchLimit:   500,
		Health:       DefaultHealthConfig(),
	}
}

type keys struct {
	waiting     string
	active      string
	activeSince string
	delayed     string
	completed   string
	dead        string
	stats       string
	jobPrefix   string
}

func newKeys(name string) keys {
	p := "queue:" + name + ":"
	return keys{
		waiting:     p + "waiting",
		active:      p + "active",
		activeSince: p + "active_since",
		delayed:     p + "delayed",
		completed:   p + "completed",
		dead:        p + "dead",
		stats:       p + "stats",
		jobPrefix:   p + "job:",
	}
}

func (k keys) job(id string) string { return k.jobPrefix + id }

const (
	statEnqueued  = "enqueued"
	statCompleted = "completed"
	statFailed    = "failed"
	statDead      = "dead"
	statRetried   = "retried"
	statStalled   = "stalled"
	statDeferred  = "deferred"
)

type Queue struct {
	client  *redis.Client
	breaker *connhealth.Breaker
	clock   clockz.Clock
	cfg     Config
	keys    keys
}

type Option func(*Queue)

func WithClock(clock clockz.Clock) Option {
	return func(q *Queue) { q.clock = clock }
}

func New(client *redis.Client, breaker *connhealth.Breaker, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = def.JobTTL
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.Health == (HealthConfig{}) {
		cfg.Health = def.Health
	}

	q := &Queue{
		client:  client,
		breaker: breaker,
		clock:   clockz.RealClock,
		cfg:     cfg,
		keys:    newKeys(cfg.Name),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Config() Config { return q.cfg }

// Enqueue stores the job and makes it visible to workers in one atomic step.
// A saturated backlog returns ErrQueueFull without touching the circuit.
func (q *Queue) Enqueue(ctx context.Context, e event.WebhookEvent, rawBody []byte, signature string, headers map[string]string) (string, error) {
	now := q.clock.Now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Event:       e,
		Status:      StatusWaiting,
		MaxAttempts: q.cfg.MaxAttempts,
		RawBody:     rawBody,
		Signature:   signature,
		Headers:     headers,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	doc, err := job.encode()
	if err != nil {
		return "", err
	}

	accepted, err := connhealth.Execute(ctx, q.breaker, func(ctx context.Context) (bool, error) {
		n, err := enqueueScript.Run(ctx, q.client,
			[]string{q.keys.waiting, q.keys.delayed, q.keys.job(job.ID), q.keys.stats},
			job.ID, doc, int64(q.cfg.JobTTL.Seconds()), q.cfg.MaxWaiting,
		).Int()
		if err != nil {
			return false, fmt.Errorf("failed to run enqueue script: %w", err)
		}
		return n == 1, nil
	})
	if err != nil {
		return "", err
	}
	if !accepted {
		return "", ErrQueueFull
	}
	return job.ID, nil
}

// Dequeue promotes due retries, then blocks up to timeout for the next job.
// It returns ErrNoJob when nothing arrived in time.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if _, err := q.Promote(ctx); err != nil {
		return nil, err
	}

	id, err := q.client.BRPopLPush(ctx, q.keys.waiting, q.keys.active, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}

	now := q.clock.Now().UTC()
	if err := q.client.ZAdd(ctx, q.keys.activeSince, redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark job %s active: %w", id, err)
	}

	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// document expired; nothing left to process
		q.forgetActive(ctx, id)
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	job.Attempts++
	job.Status = StatusActive
	job.UpdatedAt = now
	job.NextAttemptAt = nil
	if err := q.save(ctx, q.client, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) forgetActive(ctx context.Context, id string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.active, 1, id)
		pipe.ZRem(ctx, q.keys.activeSince, id)
		return nil
	})
	if err != nil {
		xslog.FromContext(ctx).ErrorContext(ctx, "failed to drop orphaned job", xslog.JobID(id), xslog.Error(err))
	}
}

func (q *Queue) save(ctx context.Context, c redis.Cmdable, job *Job) error {
	doc, err := job.encode()
	if err != nil {
		return err
	}
	if err := c.Set(ctx, q.keys.job(job.ID), doc, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// Complete acknowledges a processed job.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := q.clock.Now().UTC()
	job.Status = StatusCompleted
	job.UpdatedAt = now
	job.FinishedAt = &now
	job.LastError = ""

	doc, err := job.encode()
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.active, 1, job.ID)
		pipe.ZRem(ctx, q.keys.activeSince, job.ID)
		pipe.ZAdd(ctx, q.keys.completed, redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		pipe.HIncrBy(ctx, q.keys.stats, statCompleted, 1)
		pipe.Set(ctx, q.keys.job(job.ID), doc, redis.KeepTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	return nil
}

// Fail records a failed attempt. The job is scheduled again after its
// backoff, or parked as dead once attempts are exhausted. A failure caused
// by an open circuit gives the attempt back and waits out the cooldown.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	now := q.clock.Now().UTC()
	job.UpdatedAt = now
	if cause != nil {
		job.LastError = cause.Error()
	}

	var open *connhealth.OpenError
	switch {
	case errors.As(cause, &open):
		if job.Attempts > 0 {
			job.Attempts--
		}
		next := now.Add(max(open.RetryAfter, q.cfg.BackoffBase))
		job.Status = StatusFailed
		job.NextAttemptAt = &next
		return q.park(ctx, job, q.keys.delayed, next, statDeferred)
	case job.Exhausted():
		job.Status = StatusDead
		job.FinishedAt = &now
		job.NextAttemptAt = nil
		return q.park(ctx, job, q.keys.dead, now, statFailed, statDead)
	default:
		next := now.Add(backoff(job.Attempts, q.cfg.BackoffBase, q.cfg.BackoffMax))
		job.Status = StatusFailed
		job.NextAttemptAt = &next
		return q.park(ctx, job, q.keys.delayed, next, statFailed, statRetried)
	}
}

// park moves an active job into target scored by at.
func (q *Queue) park(ctx context.Context, job *Job, target string, at time.Time, stats ...string) error {
	doc, err := job.encode()
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.active, 1, job.ID)
		pipe.ZRem(ctx, q.keys.activeSince, job.ID)
		pipe.ZAdd(ctx, target, redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
		for _, stat := range stats {
			pipe.HIncrBy(ctx, q.keys.stats, stat, 1)
		}
		pipe.Set(ctx, q.keys.job(job.ID), doc, redis.KeepTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record failure of job %s: %w", job.ID, err)
	}
	return nil
}

// Promote moves retries whose backoff has elapsed back to waiting.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.keys.delayed, q.keys.waiting},
		q.clock.Now().UnixMilli(), q.cfg.BatchLimit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

// RequeueStalled returns jobs active for longer than StallTimeout to the
// head of the waiting list. Their attempt already counts.
func (q *Queue) RequeueStalled(ctx context.Context) (int, error) {
	if q.cfg.StallTimeout <= 0 {
		return 0, nil
	}
	now := q.clock.Now()
	n, err := requeueStalledScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.activeSince, q.keys.waiting, q.keys.stats},
		now.Add(-q.cfg.StallTimeout).UnixMilli(), now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stalled jobs: %w", err)
	}
	return n, nil
}

// Clean removes completed and dead jobs that finished before the retention
// horizon. A retention <= 0 uses the configured one.
func (q *Queue) Clean(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = q.cfg.Retention
	}
	cutoff := q.clock.Now().Add(-retention).UnixMilli()

	var total int
	for {
		n, err := cleanScript.Run(ctx, q.client,
			[]string{q.keys.completed, q.keys.dead},
			cutoff, q.keys.jobPrefix, q.cfg.BatchLimit,
		).Int()
		if err != nil {
			return total, fmt.Errorf("failed to clean queue: %w", err)
		}
		total += n
		if n < q.cfg.BatchLimit {
			return total, nil
		}
	}
}

// RetryDead puts a dead job back on the waiting list with fresh attempts.
// The reset document is built first and the move happens in one script, so
// a failure at any step leaves the job dead.
func (q *Queue) RetryDead(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusDead {
		return fmt.Errorf("%w: %s is not dead", ErrJobNotFound, id)
	}
	job.Attempts = 0
	job.Status = StatusWaiting
	job.FinishedAt = nil
	job.NextAttemptAt = nil
	job.UpdatedAt = q.clock.Now().UTC()

	doc, err := job.encode()
	if err != nil {
		return err
	}
	moved, err := retryDeadScript.Run(ctx, q.client,
		[]string{q.keys.dead, q.keys.waiting, q.keys.job(id), q.keys.stats},
		id, doc, int64(q.cfg.JobTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	if moved == 0 {
		return fmt.Errorf("%w: %s is not dead", ErrJobNotFound, id)
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.keys.job(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return decodeJob(data)
}

// ListDead returns up to limit dead jobs, most recent first.
func (q *Queue) ListDead(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.ZRevRange(ctx, q.keys.dead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	docKeys := make([]string, len(ids))
	for i, id := range ids {
		docKeys[i] = q.keys.job(id)
	}
	docs, err := q.client.MGet(ctx, docKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load dead jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(docs))
	for i, doc := range docs {
		s, ok := doc.(string)
		if !ok {
			continue
		}
		job, err := decodeJob([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", ids[i], err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Stats reads current set sizes and lifetime counters in one round trip.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		waiting, active    *redis.IntCmd
		delayed, completed *redis.IntCmd
		dead               *redis.IntCmd
		counters           *redis.MapStringStringCmd
	)
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.keys.waiting)
		active = pipe.LLen(ctx, q.keys.active)
		delayed = pipe.ZCard(ctx, q.keys.delayed)
		completed = pipe.ZCard(ctx, q.keys.completed)
		dead = pipe.ZCard(ctx, q.keys.dead)
		counters = pipe.HGetAll(ctx, q.keys.stats)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}

	c := counters.Val()
	s := Stats{
		Waiting:        waiting.Val(),
		Active:         active.Val(),
		Delayed:        delayed.Val(),
		Completed:      completed.Val(),
		Failed:         dead.Val(),
		TotalEnqueued:  parseCounter(c[statEnqueued]),
		TotalCompleted: parseCounter(c[statCompleted]),
		TotalFailed:    parseCounter(c[statFailed]),
		TotalDead:      parseCounter(c[statDead]),
		TotalRetried:   parseCounter(c[statRetried]),
		TotalStalled:   parseCounter(c[statStalled]),
		TotalDeferred:  parseCounter(c[statDeferred]),
	}
	s.Health = DeriveHealth(s, q.cfg.Health)
	return s, nil
}

func parseCounter(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
