package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func TestMemoryBurstThenRefill(t *testing.T) {
	t.Parallel()

	clock := clockz.NewFakeClock()
	m := NewMemory(1, 2, WithClock(clock))
	ctx := t.Context()

	for i := range 2 {
		res, err := m.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d within burst", i)
	}

	res, err := m.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, time.Second, res.RetryAfter)

	res, err = m.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	require.True(t, res.Allowed, "keys are limited independently")

	clock.Advance(time.Second)
	res, err = m.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestMemoryEvictsIdleKeys(t *testing.T) {
	t.Parallel()

	clock := clockz.NewFakeClock()
	m := NewMemory(1, 1, WithClock(clock))
	_, err := m.Allow(t.Context(), "a")
	require.NoError(t, err)

	clock.Advance(idleAfter / 2)
	_, err = m.Allow(t.Context(), "b")
	require.NoError(t, err)

	clock.Advance(idleAfter/2 + time.Second)
	require.Equal(t, 1, m.evict())
	require.Len(t, m.limiters, 1)
}

func TestRedisSlidingWindow(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockz.NewFakeClock()
	r := NewRedis(client, 2, WithRedisClock(clock))
	ctx := t.Context()

	for range 2 {
		res, err := r.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	clock.Advance(400 * time.Millisecond)
	res, err := r.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 600*time.Millisecond, res.RetryAfter)

	clock.Advance(600 * time.Millisecond)
	res, err = r.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		client  *redis.Client
		want    any
		wantErr error
	}{
		{name: "disabled", cfg: Config{Limit: 0}, want: Unlimited{}},
		{name: "memory", cfg: Config{Backend: BackendMemory, Limit: 10, Burst: 5}, want: &Memory{}},
		{name: "redis without client", cfg: Config{Backend: BackendRedis, Limit: 10}, wantErr: ErrMissingClient},
		{name: "unknown", cfg: Config{Backend: "carrier-pigeon", Limit: 10}, wantErr: ErrUnknownBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := New(tt.cfg, tt.client)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.IsType(t, tt.want, got)
		})
	}
}
