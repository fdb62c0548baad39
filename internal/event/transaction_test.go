package event

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func mustEvent(t *testing.T, body string) WebhookEvent {
	t.Helper()
	p, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return New(p.Normalize(""), Metadata{
		Source:     "test",
		ReceivedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	})
}

func TestDeriveTransaction(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 2, 3, 5, 0, 0, time.UTC)
	received := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name    string
		body    string
		want    Transaction
		wantOK  bool
		wantErr error
	}{
		{
			name: "flat payment falls back to event id",
			body: `{"id":"evt_1","type":"PAYMENT_COMPLETED","amount":100.00}`,
			want: Transaction{
				ExternalID: "evt_1",
				EventID:    "evt_1",
				Type:       "PAYMENT_COMPLETED",
				Status:     "completed",
				Amount:     "100.00",
				Currency:   "USD",
				OccurredAt: received,
				UpdatedAt:  now,
			},
			wantOK: true,
		},
		{
			name: "envelope charge uses object id",
			body: `{"id":"evt_2","type":"charge.succeeded","data":{"object":{"id":"ch_1","amount":"12.499","currency":"eur","status":"SUCCEEDED","customer":"cus_1","merchantId":"co_1","created":1700000000}}}`,
			want: Transaction{
				ExternalID: "ch_1",
				EventID:    "evt_2",
				CompanyID:  "co_1",
				Type:       "charge.succeeded",
				Status:     "succeeded",
				Amount:     "12.499",
				Currency:   "EUR",
				CustomerID: "cus_1",
				OccurredAt: time.Unix(1700000000, 0).UTC(),
				UpdatedAt:  now,
			},
			wantOK: true,
		},
		{
			name: "legacy uses transaction id",
			body: `{"eventId":"evt_3","eventType":"TRANSACTION_CREATED","transaction":{"transactionId":"tx_9","amount":7}}`,
			want: Transaction{
				ExternalID: "tx_9",
				EventID:    "evt_3",
				Type:       "TRANSACTION_CREATED",
				Status:     "created",
				Amount:     "7",
				Currency:   "USD",
				OccurredAt: received,
				UpdatedAt:  now,
			},
			wantOK: true,
		},
		{
			name:   "non payment event",
			body:   `{"id":"evt_4","type":"customer.updated","amount":1}`,
			wantOK: false,
		},
		{
			name:   "payment without amount",
			body:   `{"id":"evt_5","type":"PAYMENT_PENDING"}`,
			wantOK: false,
		},
		{
			name:    "payment with non finite amount",
			body:    `{"id":"evt_7","type":"PAYMENT_COMPLETED","amount":"NaN"}`,
			wantOK:  true,
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "payment with hex amount",
			body:    `{"id":"evt_8","type":"PAYMENT_COMPLETED","amount":"0x1p4"}`,
			wantOK:  true,
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "payment with garbage amount",
			body:    `{"id":"evt_6","type":"PAYMENT_COMPLETED","amount":"lots"}`,
			wantOK:  true,
			wantErr: ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok, err := DeriveTransaction(mustEvent(t, tt.body), now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DeriveTransaction() error = %v, want %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("DeriveTransaction() ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.wantErr != nil || !ok {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DeriveTransaction() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIsPayment(t *testing.T) {
	t.Parallel()

	for typ, want := range map[string]bool{
		"PAYMENT_COMPLETED": true,
		"charge.refunded":   true,
		"invoice.paid":      true,
		"invoice.created":   false,
		"customer.deleted":  false,
		"":                  false,
	} {
		if got := IsPayment(typ); got != want {
			t.Errorf("IsPayment(%q) = %v, want %v", typ, got, want)
		}
	}
}

func TestDeriveTransactionAmountKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		amount any
		want   Amount
		valid  bool
	}{
		{name: "int", amount: 10, want: "10", valid: true},
		{name: "int64", amount: int64(-250), want: "-250", valid: true},
		{name: "uint32", amount: uint32(7), want: "7", valid: true},
		{name: "float64", amount: 10.5, want: "10.5", valid: true},
		{name: "number keeps scale", amount: Amount("0.125"), want: "0.125", valid: true},
		{name: "number with exponent", amount: Amount("1.5e2"), want: "1.5e2", valid: true},
		{name: "string", amount: " 42.000 ", want: "42.000", valid: true},
		{name: "overflowing exponent", amount: Amount("1e400"), valid: false},
		{name: "infinite float", amount: math.Inf(1), valid: false},
		{name: "bool", amount: true, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := WebhookEvent{
				ID:   "evt_1",
				Type: "payment.completed",
				Payload: map[string]any{
					"data": map[string]any{"amount": tt.amount},
				},
			}
			got, ok, err := DeriveTransaction(e, time.Unix(0, 0))
			if !ok {
				t.Fatal("DeriveTransaction() ok = false for a payment event with an amount")
			}
			if !tt.valid {
				if !errors.Is(err, ErrInvalidAmount) {
					t.Errorf("DeriveTransaction() error = %v, want ErrInvalidAmount", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DeriveTransaction() error = %v", err)
			}
			if got.Amount != tt.want {
				t.Errorf("Amount = %q, want %q", got.Amount, tt.want)
			}
		})
	}
}
