package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zoobzio/clockz"
)

func TestStatsAggregates(t *testing.T) {
	t.Parallel()

	m := New(Config{}, WithClock(clockz.NewFakeClock()))
	for i := 1; i <= 100; i++ {
		var err error
		if i%10 == 0 {
			err = errors.New("timeout")
		}
		m.Record("flush", time.Duration(i)*time.Millisecond, err)
	}

	got := m.Stats(0).Operations["flush"]
	want := OperationStats{
		Count:     100,
		Errors:    10,
		ErrorRate: 0.1,
		Avg:       50500 * time.Microsecond,
		P50:       50 * time.Millisecond,
		P95:       95 * time.Millisecond,
		P99:       99 * time.Millisecond,
		Max:       100 * time.Millisecond,
		LastError: "timeout",
	}
	if diff := cmp.Diff(want, got, cmpIgnoreLastErrorAt); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
	if got.LastErrorAt == nil {
		t.Error("LastErrorAt must be set when errors were recorded")
	}
}

var cmpIgnoreLastErrorAt = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".LastErrorAt"
}, cmp.Ignore())

func TestRollingWindowDropsOldest(t *testing.T) {
	t.Parallel()

	m := New(Config{Samples: 3}, WithClock(clockz.NewFakeClock()))
	for _, ms := range []int{1000, 1, 2, 3} {
		m.Record("op", time.Duration(ms)*time.Millisecond, nil)
	}

	got := m.Stats(0).Operations["op"]
	if got.Count != 3 {
		t.Fatalf("Count = %d, want 3", got.Count)
	}
	if got.Max != 3*time.Millisecond {
		t.Errorf("Max = %v, oldest sample must have been dropped", got.Max)
	}
}

func TestStatsWindow(t *testing.T) {
	t.Parallel()

	clock := clockz.NewFakeClock()
	m := New(Config{}, WithClock(clock))

	m.Record("enqueue", time.Millisecond, errors.New("queue full"))
	clock.Advance(2 * time.Minute)
	m.Record("enqueue", 2*time.Millisecond, nil)
	m.Record("dedup", time.Millisecond, nil)

	stats := m.Stats(time.Minute)
	if got := stats.Operations["enqueue"].Count; got != 1 {
		t.Errorf("enqueue count in window = %d, want 1", got)
	}
	if stats.Count != 2 || stats.ErrorRate != 0 {
		t.Errorf("totals = %d/%v, want 2/0", stats.Count, stats.ErrorRate)
	}

	all := m.Stats(0)
	if all.Count != 3 {
		t.Errorf("unbounded count = %d, want 3", all.Count)
	}
}

func TestTime(t *testing.T) {
	t.Parallel()

	clock := clockz.NewFakeClock()
	m := New(Config{}, WithClock(clock))

	done := m.Time("write")
	clock.Advance(40 * time.Millisecond)
	done(nil)

	if got := m.Stats(0).Operations["write"].Avg; got != 40*time.Millisecond {
		t.Errorf("Avg = %v, want 40ms", got)
	}
}

func TestEmptyStats(t *testing.T) {
	t.Parallel()

	stats := New(Config{}).Stats(time.Minute)
	if stats.Count != 0 || len(stats.Operations) != 0 {
		t.Errorf("Stats() = %+v, want empty", stats)
	}
}
