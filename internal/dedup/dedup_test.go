package dedup

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/garrettladley/payhook/internal/connhealth"
)

func newTestDeduplicator(t *testing.T) (*Deduplicator, *miniredis.Miniredis, *connhealth.Breaker) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	breaker := connhealth.NewBreaker(connhealth.Cache, connhealth.DefaultConfig(), clockz.NewFakeClock(), nil)
	return New(client, breaker, Config{TTL: time.Hour}), mr, breaker
}

func TestIsDuplicate(t *testing.T) {
	t.Parallel()

	d, _, _ := newTestDeduplicator(t)
	ctx := t.Context()

	first := Key{EventID: "evt_1", Signature: "sig_a", ContentHash: "hash_a"}
	require.False(t, d.IsDuplicate(ctx, first))
	require.NoError(t, d.MarkProcessed(ctx, first))

	tests := []struct {
		name string
		key  Key
		want bool
	}{
		{name: "same delivery", key: first, want: true},
		{name: "same id new signature", key: Key{EventID: "evt_1", Signature: "sig_b", ContentHash: "hash_b"}, want: true},
		{name: "same content new id", key: Key{EventID: "evt_2", Signature: "sig_c", ContentHash: "hash_a"}, want: true},
		{name: "new delivery", key: Key{EventID: "evt_3", Signature: "sig_a", ContentHash: "hash_c"}, want: false},
		{name: "no identity", key: Key{}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, d.IsDuplicate(ctx, tt.key))
		})
	}
}

func TestMarkProcessedExpires(t *testing.T) {
	t.Parallel()

	d, mr, _ := newTestDeduplicator(t)
	ctx := t.Context()

	k := Key{EventID: "evt_1", Signature: "sig", ContentHash: "hash"}
	require.NoError(t, d.MarkProcessed(ctx, k))
	require.Len(t, mr.Keys(), 3)
	require.Equal(t, time.Hour, mr.TTL("dedup:id:evt_1"))

	mr.FastForward(time.Hour + time.Second)
	require.False(t, d.IsDuplicate(ctx, k))
}

func TestIsDuplicateFailsOpen(t *testing.T) {
	t.Parallel()

	d, mr, breaker := newTestDeduplicator(t)
	ctx := t.Context()

	mr.Close()

	for range connhealth.DefaultConfig().Threshold {
		require.False(t, d.IsDuplicate(ctx, Key{EventID: "evt_1"}))
	}
	require.Equal(t, connhealth.StateOpen, breaker.State())

	// open circuit still answers "new" without touching the cache
	require.False(t, d.IsDuplicate(ctx, Key{EventID: "evt_1"}))
	require.EqualValues(t, connhealth.DefaultConfig().Threshold+1, d.Stats().Errors)
	require.Error(t, d.MarkProcessed(ctx, Key{EventID: "evt_1"}))
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	d, mr, _ := newTestDeduplicator(t)
	ctx := t.Context()

	require.NoError(t, mr.Set("queue:stats", "keep"))
	for _, id := range []string{"evt_1", "evt_2"} {
		require.NoError(t, d.MarkProcessed(ctx, Key{EventID: id, Signature: "s", ContentHash: "h_" + id}))
	}

	deleted, err := d.Invalidate(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 6, deleted)
	require.Equal(t, []string{"queue:stats"}, mr.Keys())

	deleted, err = d.Invalidate(ctx)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestStats(t *testing.T) {
	t.Parallel()

	d, _, _ := newTestDeduplicator(t)
	ctx := t.Context()

	k := Key{EventID: "evt_1"}
	d.IsDuplicate(ctx, k)
	require.NoError(t, d.MarkProcessed(ctx, k))
	d.IsDuplicate(ctx, k)
	d.IsDuplicate(ctx, k)

	require.Equal(t, Stats{Hits: 2, Misses: 1, HitRate: 2.0 / 3.0}, d.Stats())
}
