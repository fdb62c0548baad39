package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/garrettladley/payhook/internal/batch"
	"github.com/garrettladley/payhook/internal/config"
	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/ingest"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/ratelimit"
	xredis "github.com/garrettladley/payhook/internal/redis"
	"github.com/garrettladley/payhook/internal/storage"
)

func testConfig(mr *miniredis.Miniredis) config.Config {
	batchCfg := batch.DefaultConfig()
	batchCfg.MaxAge = 20 * time.Millisecond

	workerCfg := queue.DefaultWorkerConfig()
	workerCfg.Pollers = 1
	workerCfg.MaintenanceInterval = 0

	return config.Config{
		Redis:     xredis.Config{URL: "redis://" + mr.Addr()},
		Database:  storage.Config{Driver: storage.DriverMemory},
		Webhook:   ingest.Config{Source: "acme", EnforceSignature: true},
		Queue:     queue.DefaultConfig(),
		Worker:    workerCfg,
		Batch:     batchCfg,
		Breaker:   connhealth.DefaultConfig(),
		RateLimit: ratelimit.Config{Backend: ratelimit.BackendMemory, Limit: 10, Burst: 10},
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestAppIngestsAndPersists(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	a, err := New(t.Context(), testConfig(mr), discard(), Role{Consume: true, Open: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.IsType(t, &ratelimit.Memory{}, a.Limiter)
	require.NotNil(t, a.Worker)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	res, err := a.Pipeline.Ingest(t.Context(), ingest.Request{
		Body: []byte(`{"id":"evt_app_1","type":"PAYMENT_COMPLETED","data":{"amount":"42.00","currency":"USD"}}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)

	require.Eventually(t, func() bool {
		totals, err := a.Pipeline.Totals(t.Context())
		return err == nil && totals.TotalReceived == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestNewFailsWithoutRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig(mr)
	mr.Close()

	_, err := New(t.Context(), cfg, discard(), Role{Open: true})
	require.Error(t, err)
}

func TestIngestOnlyRoleHasNoWorker(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	a, err := New(t.Context(), testConfig(mr), discard(), Role{Open: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.Nil(t, a.Worker)
	require.Nil(t, a.Writer)
	require.NotNil(t, a.Store)
	require.NoError(t, a.Run(canceled(t)))
}

func canceled(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	return ctx
}
