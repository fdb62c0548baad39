// Package storage persists webhook events and the transactions derived
// from them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/garrettladley/payhook/internal/event"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMemory   Driver = "memory"
)

type Config struct {
	Driver           Driver `env:"DRIVER" envDefault:"postgres"`
	URL              string `env:"URL"`
	MaxConns         int32  `env:"MAX_CONNS" envDefault:"4"`
	FreshConnections bool   `env:"FRESH_CONNECTIONS" envDefault:"false"`
}

// Store is the write side used by the batch writer. WriteBatch is all or
// nothing and safe to retry with the same events.
type Store interface {
	WriteBatch(ctx context.Context, events []event.WebhookEvent) error
	Ping(ctx context.Context) error
	Close() error
}

// Reader is the read model consumed by reporting.
type Reader interface {
	ListEvents(ctx context.Context, f Filter) ([]event.WebhookEvent, error)
	ListTransactions(ctx context.Context, f Filter) ([]event.Transaction, error)
	Stats(ctx context.Context) (Aggregate, error)
	DailyStats(ctx context.Context, f Filter) ([]DailyStat, error)
	// RefreshAnalytics recomputes the daily rollup. Idempotent.
	RefreshAnalytics(ctx context.Context) error
}

type Backend interface {
	Store
	Reader
}

type Aggregate struct {
	TotalReceived   int64      `json:"total_received"`
	TotalProcessed  int64      `json:"total_processed"`
	TotalFailed     int64      `json:"total_failed"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

type DailyStat struct {
	Day         time.Time `json:"day"`
	EventType   string    `json:"event_type"`
	Received    int64     `json:"received"`
	Processed   int64     `json:"processed"`
	Failed      int64     `json:"failed"`
	Volume      float64   `json:"volume"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg Config, opts ...Option) (Backend, error) {
	switch cfg.Driver {
	case DriverPostgres, "":
		s, err := NewPostgresStore(ctx, cfg, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory:
		s, err := NewMemoryStore(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
