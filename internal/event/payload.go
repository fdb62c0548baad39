package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	go_json "github.com/goccy/go-json"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrEmptyPayload     = errors.New("empty payload")
)

type Kind string

const (
	// KindEnvelope is {"id", "type", "created", "data": {"object": {...}}} or
	// {"id", "type", "data": {...}}.
	KindEnvelope Kind = "envelope"
	// KindLegacy is {"eventId", "eventType", "transaction": {...}}.
	KindLegacy Kind = "legacy"
	// KindFlat carries every field at the top level, as test harnesses send it.
	KindFlat Kind = "flat"
)

// Payload is one of the known inbound payload shapes.
type Payload interface {
	payloadShape()
	Kind() Kind
	// Normalize produces the canonical representation. fallbackType is used
	// when the payload carries no type of its own.
	Normalize(fallbackType string) Normalized
}

// Normalized is the single internal representation every shape reduces to.
type Normalized struct {
	ID         string
	Type       string
	CompanyID  string
	OccurredAt time.Time
	// Document is {"id"?, "type", "data"} with provider-supplied fields only,
	// so the content hash is stable across redeliveries.
	Document map[string]any
}

func (n Normalized) Data() map[string]any {
	data, _ := n.Document["data"].(map[string]any)
	return data
}

// ContentHash is the hex SHA-256 of the canonical JSON encoding of the
// document. Map keys are encoded in sorted order.
func (n Normalized) ContentHash() string {
	return ContentHash(n.Document)
}

func ContentHash(doc map[string]any) string {
	data, err := go_json.Marshal(doc)
	if err != nil {
		data = fmt.Appendf(nil, "%v", doc)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type EnvelopePayload struct {
	ID      string
	Type    string
	Created any
	Object  map[string]any
}

func (EnvelopePayload) payloadShape() {}
func (EnvelopePayload) Kind() Kind    { return KindEnvelope }

func (p EnvelopePayload) Normalize(fallbackType string) Normalized {
	data := cloneMap(p.Object)
	if p.Created != nil {
		if _, ok := data["created"]; !ok {
			data["created"] = p.Created
		}
	}
	return newNormalized(p.ID, firstNonEmpty(p.Type, fallbackType), data)
}

type LegacyPayload struct {
	EventID     string
	EventType   string
	Transaction map[string]any
	Extra       map[string]any
}

func (LegacyPayload) payloadShape() {}
func (LegacyPayload) Kind() Kind    { return KindLegacy }

func (p LegacyPayload) Normalize(fallbackType string) Normalized {
	data := cloneMap(p.Extra)
	for k, v := range p.Transaction {
		data[k] = v
	}
	return newNormalized(p.EventID, firstNonEmpty(p.EventType, fallbackType), data)
}

type FlatPayload struct {
	ID     string
	Type   string
	Fields map[string]any
}

func (FlatPayload) payloadShape() {}
func (FlatPayload) Kind() Kind    { return KindFlat }

func (p FlatPayload) Normalize(fallbackType string) Normalized {
	return newNormalized(p.ID, firstNonEmpty(p.Type, fallbackType), cloneMap(p.Fields))
}

// Parse decodes a raw body into one of the known payload shapes.
// Returns ErrMalformedPayload when the body is not a JSON object.
func Parse(body []byte) (Payload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyPayload
	}

	dec := go_json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: body is not an object", ErrMalformedPayload)
	}

	if data, ok := doc["data"].(map[string]any); ok && hasAny(doc, "id", "type") {
		object, ok := data["object"].(map[string]any)
		if !ok {
			object = data
		}
		return EnvelopePayload{
			ID:      stringValue(doc["id"]),
			Type:    stringValue(doc["type"]),
			Created: doc["created"],
			Object:  object,
		}, nil
	}

	if hasAny(doc, "eventId", "eventType", "transaction") {
		txn, _ := doc["transaction"].(map[string]any)
		return LegacyPayload{
			EventID:     stringValue(doc["eventId"]),
			EventType:   stringValue(doc["eventType"]),
			Transaction: txn,
			Extra:       without(doc, "eventId", "eventType", "transaction"),
		}, nil
	}

	return FlatPayload{
		ID:     firstNonEmpty(stringValue(doc["id"]), stringValue(doc["event_id"])),
		Type:   firstNonEmpty(stringValue(doc["type"]), stringValue(doc["event_type"])),
		Fields: without(doc, "id", "event_id", "type", "event_type"),
	}, nil
}

func newNormalized(id, typ string, data map[string]any) Normalized {
	if typ == "" {
		typ = UnknownType
	}
	doc := map[string]any{
		"type": typ,
		"data": data,
	}
	if id != "" {
		doc["id"] = id
	}
	return Normalized{
		ID:         id,
		Type:       typ,
		CompanyID:  lookupString(data, companyKeys...),
		OccurredAt: lookupTime(data, timeKeys...),
		Document:   doc,
	}
}

var (
	companyKeys = []string{"companyId", "company_id", "merchantId", "merchant_id", "tenantId", "tenant_id"}
	timeKeys    = []string{"createdAt", "created_at", "created", "timestamp", "occurredAt", "occurred_at"}
)

func lookupString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringValue(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func lookupTime(m map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		if t, ok := timeValue(m[k]); ok {
			return t
		}
	}
	return time.Time{}
}

func stringValue(v any) string {
	switch v := v.(type) {
	case string:
		return strings.TrimSpace(v)
	case go_json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func timeValue(v any) (time.Time, bool) {
	switch v := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC(), true
		}
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return unixTime(secs), true
		}
	case go_json.Number:
		if secs, err := v.Int64(); err == nil {
			return unixTime(secs), true
		}
	case float64:
		return unixTime(int64(v)), true
	}
	return time.Time{}, false
}

// unixTime accepts seconds or milliseconds since the epoch.
func unixTime(n int64) time.Time {
	const msThreshold = 1_000_000_000_000
	if n >= msThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func hasAny(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func without(m map[string]any, keys ...string) map[string]any {
	out := cloneMap(m)
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
