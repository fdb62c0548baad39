package server

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestShutdownCoordinatorWaitsGracePeriod(t *testing.T) {
	t.Parallel()

	clock := clockz.NewFakeClock()
	sc := NewShutdownCoordinator(2*time.Second, clock)
	if sc.Draining() {
		t.Fatal("fresh coordinator must not be draining")
	}

	done := make(chan struct{})
	go func() {
		sc.InitiateShutdown(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !sc.Draining() || !clock.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("coordinator never started waiting out the grace period")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-done:
		t.Fatal("InitiateShutdown returned before the grace period")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(2 * time.Second)
	clock.BlockUntilReady()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("InitiateShutdown did not return after the grace period")
	}
}

func TestShutdownCoordinatorHonorsContext(t *testing.T) {
	t.Parallel()

	sc := NewShutdownCoordinator(time.Hour, clockz.NewFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sc.InitiateShutdown(ctx)
	if !sc.Draining() {
		t.Error("coordinator must be draining after InitiateShutdown")
	}
}
