package event

import (
	"time"

	"github.com/google/uuid"
)

const UnknownType = "unknown"

// WebhookEvent is one inbound provider callback as it is persisted.
type WebhookEvent struct {
	ID          string         `json:"id"`
	ReceivedAt  time.Time      `json:"received_at"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	CompanyID   string         `json:"company_id,omitempty"`
	Payload     map[string]any `json:"payload"`
	Signature   string         `json:"signature,omitempty"`
	ClientIP    string         `json:"client_ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Processed   bool           `json:"processed"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	Error       *string        `json:"error,omitempty"`
}

type Metadata struct {
	Source     string
	Signature  string
	ClientIP   string
	UserAgent  string
	ReceivedAt time.Time
}

// New builds the event from a normalized payload. Payloads without a
// provider id get a generated one.
func New(n Normalized, meta Metadata) WebhookEvent {
	id := n.ID
	if id == "" {
		id = uuid.NewString()
	}
	return WebhookEvent{
		ID:         id,
		ReceivedAt: meta.ReceivedAt.UTC(),
		Type:       n.Type,
		Source:     meta.Source,
		CompanyID:  n.CompanyID,
		Payload:    n.Document,
		Signature:  meta.Signature,
		ClientIP:   meta.ClientIP,
		UserAgent:  meta.UserAgent,
	}
}

func (e *WebhookEvent) MarkProcessed(at time.Time) {
	at = at.UTC()
	e.Processed = true
	e.ProcessedAt = &at
	e.Error = nil
}

func (e *WebhookEvent) MarkFailed(msg string) {
	e.Processed = false
	e.ProcessedAt = nil
	e.Error = &msg
}
