// Package ingest is the webhook entry point: it validates, deduplicates and
// enqueues deliveries, and exposes health, read model and admin actions.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/garrettladley/payhook/internal/batch"
	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/dedup"
	"github.com/garrettladley/payhook/internal/event"
	"github.com/garrettladley/payhook/internal/monitor"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/storage"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrQueueUnavailable = errors.New("queue unavailable")
)

type Request struct {
	Body      []byte
	Signature string
	// EventType comes from a header and is used when the payload has none.
	EventType string
	Source    string
	IP        string
	UserAgent string
	Headers   map[string]string
}

type Result struct {
	Accepted  bool   `json:"accepted"`
	EventID   string `json:"event_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	// Status is the HTTP status the delivery maps to.
	Status int `json:"-"`
}

type Status struct {
	Status         connhealth.Status        `json:"status"`
	Queue          *queue.Stats             `json:"queue,omitempty"`
	QueueError     string                   `json:"queue_error,omitempty"`
	Cache          dedup.Stats              `json:"cache"`
	DBCircuitState connhealth.State         `json:"db_circuit_state"`
	Dependencies   []connhealth.Health      `json:"dependencies"`
	Batch          *batch.Stats             `json:"batch,omitempty"`
	Performance    monitor.PerformanceStats `json:"performance"`
	CheckedAt      time.Time                `json:"checked_at"`
}

type Service interface {
	// Ingest handles one delivery. Rejections return a non-nil error along
	// with a Result carrying the status to answer with.
	// Returns event.ErrMalformedPayload or event.ErrEmptyPayload for bodies that cannot be parsed.
	// Returns ErrMissingSignature or ErrInvalidSignature when signatures are enforced.
	// Returns ErrQueueUnavailable when the event could not be enqueued.
	Ingest(ctx context.Context, req Request) (Result, error)
	Status(ctx context.Context) Status

	Events(ctx context.Context, f storage.Filter) ([]event.WebhookEvent, error)
	Transactions(ctx context.Context, f storage.Filter) ([]event.Transaction, error)
	Totals(ctx context.Context) (storage.Aggregate, error)
	Daily(ctx context.Context, f storage.Filter) ([]storage.DailyStat, error)

	InvalidateCache(ctx context.Context) (int64, error)
	CleanQueue(ctx context.Context, retention time.Duration) (int, error)
	RefreshAnalytics(ctx context.Context) error
	RetryDead(ctx context.Context, jobID string) error
	DeadJobs(ctx context.Context, limit int) ([]*queue.Job, error)
}
