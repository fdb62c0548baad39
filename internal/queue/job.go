package queue

import (
	"bytes"
	"fmt"
	"time"

	go_json "github.com/goccy/go-json"

	"github.com/garrettladley/payhook/internal/event"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	// StatusFailed is a retryable failure waiting out its backoff.
	StatusFailed Status = "failed"
	// StatusDead is terminal until an operator retries it.
	StatusDead Status = "dead"
)

// Job wraps one event with what is needed to process it later. RawBody and
// Headers are kept so the signature can be re-checked offline.
type Job struct {
	ID            string             `json:"id"`
	Event         event.WebhookEvent `json:"event"`
	Status        Status             `json:"status"`
	Attempts      int                `json:"attempts"`
	MaxAttempts   int                `json:"max_attempts"`
	RawBody       []byte             `json:"raw_body"`
	Signature     string             `json:"signature,omitempty"`
	Headers       map[string]string  `json:"headers,omitempty"`
	EnqueuedAt    time.Time          `json:"enqueued_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	NextAttemptAt *time.Time         `json:"next_attempt_at,omitempty"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
}

// Exhausted reports whether no attempt is left after the current one.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

func (j *Job) encode() ([]byte, error) {
	data, err := go_json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", j.ID, err)
	}
	return data, nil
}

// decodeJob keeps payload numbers exact.
func decodeJob(data []byte) (*Job, error) {
	dec := go_json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var j Job
	if err := dec.Decode(&j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &j, nil
}

// backoff is base * 2^(attempt-1), capped at ceiling.
func backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
