package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/event"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	q     *Queue
	mr    *miniredis.Miniredis
	clock *clockz.FakeClock
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockz.NewFakeClockAt(start)
	breaker := connhealth.NewBreaker(connhealth.Queue, connhealth.DefaultConfig(), clock, nil)
	return fixture{q: New(client, breaker, cfg, WithClock(clock)), mr: mr, clock: clock}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Second
	cfg.BackoffMax = 10 * time.Second
	cfg.StallTimeout = time.Minute
	cfg.Retention = time.Hour
	return cfg
}

func testEvent(id string) event.WebhookEvent {
	return event.WebhookEvent{
		ID:         id,
		ReceivedAt: start,
		Type:       "payment.completed",
		Source:     "acme",
		Payload: map[string]any{
			"type": "payment.completed",
			"data": map[string]any{"amount": 12.5},
		},
	}
}

func enqueue(t *testing.T, q *Queue, id string) string {
	t.Helper()

	jobID, err := q.Enqueue(t.Context(), testEvent(id), []byte(`{"id":"`+id+`"}`), "sig", map[string]string{"X-Event-Type": "payment.completed"})
	require.NoError(t, err)
	return jobID
}

func TestEnqueueDequeueComplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := t.Context()

	jobID := enqueue(t, f.q, "evt_1")

	job, err := f.q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, StatusActive, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, "evt_1", job.Event.ID)
	require.Equal(t, `{"id":"evt_1"}`, string(job.RawBody))
	require.Equal(t, "payment.completed", job.Headers["X-Event-Type"])

	stats, err := f.q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Active)

	require.NoError(t, f.q.Complete(ctx, job))

	stats, err = f.q.Stats(ctx)
	require.NoError(t, err)
	want := Stats{Completed: 1, TotalEnqueued: 1, TotalCompleted: 1, Health: connhealth.StatusHealthy}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}

	stored, err := f.q.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.FinishedAt)
}

func TestDequeueIsFIFO(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := t.Context()

	var ids []string
	for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
		ids = append(ids, enqueue(t, f.q, id))
	}

	var got []string
	for range ids {
		job, err := f.q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		got = append(got, job.ID)
	}
	if diff := cmp.Diff(ids, got); diff != "" {
		t.Errorf("dequeue order mismatch (-want +got):\n%s", diff)
	}
}

func TestDequeueKeepsPayloadNumbersExact(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	enqueue(t, f.q, "evt_1")

	job, err := f.q.Dequeue(t.Context(), time.Second)
	require.NoError(t, err)

	txn, ok, err := event.DeriveTransaction(job.Event, start)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.Amount("12.5"), txn.Amount)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxWaiting = 2
	f := newFixture(t, cfg)

	enqueue(t, f.q, "evt_1")
	enqueue(t, f.q, "evt_2")

	_, err := f.q.Enqueue(t.Context(), testEvent("evt_3"), nil, "", nil)
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, connhealth.StateClosed, f.q.breaker.State(), "a full queue is not a dependency failure")
}

func TestFailRetriesWithBackoffThenDies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := t.Context()
	jobID := enqueue(t, f.q, "evt_1")
	cause := errors.New("database unavailable")

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for attempt, delay := range wantDelays {
		job, err := f.q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.Equal(t, attempt+1, job.Attempts)

		require.NoError(t, f.q.Fail(ctx, job, cause))
		require.Equal(t, StatusFailed, job.Status)
		require.True(t, job.NextAttemptAt.Equal(f.clock.Now().Add(delay)), "next attempt at %v", job.NextAttemptAt)

		promoted, err := f.q.Promote(ctx)
		require.NoError(t, err)
		require.Zero(t, promoted, "backoff must not elapse early")

		f.clock.Advance(delay)
	}

	job, err := f.q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, job.Attempts)
	require.NoError(t, f.q.Fail(ctx, job, cause))
	require.Equal(t, StatusDead, job.Status)

	stats, err := f.q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Failed)
	require.EqualValues(t, 3, stats.TotalFailed)
	require.EqualValues(t, 1, stats.TotalDead)
	require.Zero(t, stats.Waiting+stats.Active+stats.Delayed)

	dead, err := f.q.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, jobID, dead[0].ID)
	require.Equal(t, cause.Error(), dead[0].LastError)

	require.NoError(t, f.q.RetryDead(ctx, jobID))
	require.ErrorIs(t, f.q.RetryDead(ctx, jobID), ErrJobNotFound)

	job, err = f.q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, 1, job.Attempts)
}

func TestRequeueStalled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := t.Context()
	jobID := enqueue(t, f.q, "evt_1")

	_, err := f.q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	n, err := f.q.RequeueStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(time.Minute + time.Second)
	n, err = f.q.RequeueStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := f.q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, 2, job.Attempts)
}

func TestRequeueStalledAdoptsUntrackedActiveJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := t.Context()

	// a worker that died right after the pop leaves no active_since entry
	_, err := f.mr.Lpush(f.q.keys.active, "orphan")
	require.NoError(t, err)

	n, err := f.q.RequeueStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.q.RequeueStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	waiting, err := f.mr.List(f.q.keys.waiting)
	require.NoError(t, err)
	require.Equal(t, []string{"orphan"}, waiting)
}

func TestClean(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := t.Context()

	oldID := enqueue(t, f.q, "evt_old")
	job, err := f.q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.q.Complete(ctx, job))

	f.clock.Advance(2 * time.Hour)

	recentID := enqueue(t, f.q, "evt_recent")
	job, err = f.q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.q.Complete(ctx, job))

	n, err := f.q.Clean(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.q.Get(ctx, oldID)
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = f.q.Get(ctx, recentID)
	require.NoError(t, err)

	n, err = f.q.Clean(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n, "clean must be idempotent")
}

func TestDequeueEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	_, err := f.q.Dequeue(t.Context(), time.Second)
	require.ErrorIs(t, err, ErrNoJob)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt, time.Second, 10*time.Second); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDeriveHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		stats Stats
		want  connhealth.Status
	}{
		{name: "idle", stats: Stats{}, want: connhealth.StatusHealthy},
		{name: "busy but keeping up", stats: Stats{Waiting: 40, Active: 10, Completed: 100}, want: connhealth.StatusHealthy},
		{name: "backlog over 5x", stats: Stats{Waiting: 60, Active: 10}, want: connhealth.StatusDegraded},
		{name: "backlog over 10x", stats: Stats{Waiting: 101, Active: 10}, want: connhealth.StatusCritical},
		{name: "nobody consuming", stats: Stats{Waiting: 11}, want: connhealth.StatusCritical},
		{name: "failure rate over 10%", stats: Stats{Completed: 85, Failed: 15}, want: connhealth.StatusDegraded},
		{name: "failure rate over 20%", stats: Stats{Completed: 75, Failed: 25}, want: connhealth.StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DeriveHealth(tt.stats, DefaultHealthConfig()); got != tt.want {
				t.Errorf("DeriveHealth() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkerProcessesJobs(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := testConfig()
	cfg.BackoffBase = time.Minute
	cfg.BackoffMax = time.Hour
	q := New(client, connhealth.NewBreaker(connhealth.Queue, connhealth.DefaultConfig(), nil, nil), cfg)

	for _, id := range []string{"evt_ok_1", "evt_ok_2", "evt_bad"} {
		enqueue(t, q, id)
	}

	var handled atomic.Int32
	handler := HandlerFunc(func(_ context.Context, job *Job) error {
		handled.Add(1)
		if job.Event.ID == "evt_bad" {
			return errors.New("boom")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	w := NewWorker(q, handler, WorkerConfig{Pollers: 1, Concurrency: 2, PollTimeout: time.Second})
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		s, err := q.Stats(t.Context())
		return err == nil && s.Completed == 2 && s.Delayed == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.EqualValues(t, 3, handled.Load())
}

func TestFailOnOpenCircuitKeepsAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := t.Context()
	jobID := enqueue(t, f.q, "evt_1")

	db := connhealth.NewBreaker(connhealth.Database, connhealth.DefaultConfig(), f.clock, nil)
	for range connhealth.DefaultConfig().Threshold {
		_ = db.Do(ctx, func(context.Context) error { return errors.New("connection refused") })
	}
	rejected := fmt.Errorf("failed to flush batch of 1 events: %w",
		db.Do(ctx, func(context.Context) error { return nil }))
	require.ErrorIs(t, rejected, connhealth.ErrCircuitOpen)

	// far more rounds than the backoff schedule allows attempts
	for round := range 10 {
		job, err := f.q.Dequeue(ctx, time.Second)
		require.NoError(t, err, "round %d", round)
		require.Equal(t, jobID, job.ID)
		require.Equal(t, 1, job.Attempts, "round %d", round)

		require.NoError(t, f.q.Fail(ctx, job, rejected))
		require.Equal(t, StatusFailed, job.Status)
		require.Zero(t, job.Attempts, "an open circuit must not spend an attempt")
		require.True(t, job.NextAttemptAt.Equal(f.clock.Now().Add(30*time.Second)), "next attempt at %v", job.NextAttemptAt)

		promoted, err := f.q.Promote(ctx)
		require.NoError(t, err)
		require.Zero(t, promoted, "retry must wait for the cooldown")

		f.clock.Advance(job.NextAttemptAt.Sub(f.clock.Now()))
	}

	stats, err := f.q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 10, stats.TotalDeferred)
	require.Zero(t, stats.TotalFailed)
	require.Zero(t, stats.Failed, "no job may die while the circuit is open")

	job, err := f.q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.q.Fail(ctx, job, errors.New("constraint violation")))
	require.Equal(t, 1, job.Attempts)
	require.EqualValues(t, 1, mustStats(t, f.q).TotalFailed)
}

func TestFailOnOpenCircuitWaitsAtLeastBackoffBase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := t.Context()
	enqueue(t, f.q, "evt_1")

	job, err := f.q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.q.Fail(ctx, job, &connhealth.OpenError{Name: connhealth.Database}))
	require.True(t, job.NextAttemptAt.Equal(f.clock.Now().Add(time.Second)), "next attempt at %v", job.NextAttemptAt)
}

func TestRetryDeadLeavesJobDeadOnError(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxAttempts = 1
	f := newFixture(t, cfg)
	ctx := t.Context()

	jobID := enqueue(t, f.q, "evt_1")
	job, err := f.q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.q.Fail(ctx, job, errors.New("boom")))
	require.Equal(t, StatusDead, job.Status)

	requireDead := func(t *testing.T) {
		t.Helper()
		members, err := f.mr.ZMembers(f.q.keys.dead)
		require.NoError(t, err)
		require.Equal(t, []string{jobID}, members)
		waiting, _ := f.mr.List(f.q.keys.waiting)
		require.Empty(t, waiting)
	}

	f.mr.SetError("LOADING Redis is loading the dataset in memory")
	require.Error(t, f.q.RetryDead(ctx, jobID))
	f.mr.SetError("")
	requireDead(t)

	doc, err := f.mr.Get(f.q.keys.job(jobID))
	require.NoError(t, err)
	require.NoError(t, f.mr.Set(f.q.keys.job(jobID), "{truncated"))
	require.Error(t, f.q.RetryDead(ctx, jobID))
	requireDead(t)

	require.NoError(t, f.mr.Set(f.q.keys.job(jobID), doc))
	require.NoError(t, f.q.RetryDead(ctx, jobID))
	members, err := f.mr.ZMembers(f.q.keys.dead)
	require.NoError(t, err)
	require.Empty(t, members)
	waiting, err := f.mr.List(f.q.keys.waiting)
	require.NoError(t, err)
	require.Equal(t, []string{jobID}, waiting)
}

func mustStats(t *testing.T, q *Queue) Stats {
	t.Helper()
	s, err := q.Stats(t.Context())
	require.NoError(t, err)
	return s
}
