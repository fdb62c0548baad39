package event

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	go_json "github.com/goccy/go-json"
)

var ErrInvalidAmount = errors.New("invalid payment amount")

// Transaction is derived from payment-like events. ExternalID is the
// idempotency key for upserts.
type Transaction struct {
	ExternalID string    `json:"external_id"`
	EventID    string    `json:"event_id"`
	CompanyID  string    `json:"company_id,omitempty"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Amount     Amount    `json:"amount"`
	Currency   string    `json:"currency"`
	CustomerID string    `json:"customer_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const defaultCurrency = "USD"

var (
	paymentTypeMarkers = []string{"payment", "charge", "transaction", "refund", "payout", "invoice.paid"}
	externalIDKeys     = []string{"transactionId", "transaction_id", "paymentId", "payment_id", "chargeId", "charge_id", "id"}
	customerKeys       = []string{"customerId", "customer_id", "customer"}
)

// IsPayment reports whether an event type names a payment-like event.
func IsPayment(eventType string) bool {
	t := strings.ToLower(eventType)
	for _, marker := range paymentTypeMarkers {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

// DeriveTransaction inspects a persisted event. ok is false for events
// that are not payment-like. A payment-like event without a usable amount
// returns ErrInvalidAmount.
func DeriveTransaction(e WebhookEvent, now time.Time) (txn Transaction, ok bool, err error) {
	if !IsPayment(e.Type) {
		return Transaction{}, false, nil
	}

	data, _ := e.Payload["data"].(map[string]any)
	rawAmount, present := data["amount"]
	if !present {
		return Transaction{}, false, nil
	}
	amount, valid := amountValue(rawAmount)
	if !valid {
		return Transaction{}, true, ErrInvalidAmount
	}

	occurred := lookupTime(data, timeKeys...)
	if occurred.IsZero() {
		occurred = e.ReceivedAt
	}

	return Transaction{
		ExternalID: firstNonEmpty(lookupString(data, externalIDKeys...), e.ID),
		EventID:    e.ID,
		CompanyID:  firstNonEmpty(lookupString(data, companyKeys...), e.CompanyID),
		Type:       e.Type,
		Status:     firstNonEmpty(strings.ToLower(lookupString(data, "status")), statusFromType(e.Type)),
		Amount:     amount,
		Currency:   strings.ToUpper(firstNonEmpty(lookupString(data, "currency"), defaultCurrency)),
		CustomerID: lookupString(data, customerKeys...),
		OccurredAt: occurred.UTC(),
		UpdatedAt:  now.UTC(),
	}, true, nil
}

// statusFromType takes the last segment of PAYMENT_COMPLETED or
// payment.completed style types.
func statusFromType(eventType string) string {
	t := strings.ToLower(eventType)
	if i := strings.LastIndexAny(t, "._"); i >= 0 && i < len(t)-1 {
		return t[i+1:]
	}
	return "unknown"
}

// Amount is a decimal kept digit for digit as the provider sent it. It
// encodes as a JSON number and is stored as an exact numeric.
type Amount = go_json.Number

var decimalPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][-+]?[0-9]+)?$`)

func amountValue(v any) (Amount, bool) {
	var s string
	switch v := v.(type) {
	case go_json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return "", false
		}
		s = strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		s = fmt.Sprint(v)
	default:
		return "", false
	}
	if !decimalPattern.MatchString(s) {
		return "", false
	}
	// overflowing exponents are not amounts
	if f, err := strconv.ParseFloat(s, 64); err != nil || math.IsInf(f, 0) {
		return "", false
	}
	return Amount(s), true
}
