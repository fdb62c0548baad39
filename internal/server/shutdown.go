package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// ShutdownCoordinator manages graceful shutdown of the HTTP server. Once
// draining, the health check fails so load balancers stop routing new
// deliveries here while in-flight ones finish.
type ShutdownCoordinator struct {
	clock       clockz.Clock
	gracePeriod time.Duration
	draining    atomic.Bool
}

func NewShutdownCoordinator(gracePeriod time.Duration, clock clockz.Clock) *ShutdownCoordinator {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &ShutdownCoordinator{clock: clock, gracePeriod: gracePeriod}
}

func (sc *ShutdownCoordinator) Draining() bool {
	return sc.draining.Load()
}

// InitiateShutdown flips the server into draining and blocks for the grace
// period or until ctx is done.
func (sc *ShutdownCoordinator) InitiateShutdown(ctx context.Context) {
	sc.draining.Store(true)
	if sc.gracePeriod <= 0 {
		return
	}
	select {
	case <-sc.clock.After(sc.gracePeriod):
	case <-ctx.Done():
	}
}
