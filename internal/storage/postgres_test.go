package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/garrettladley/payhook/internal/event"
)

func TestBuildBatchQueuesEventsBeforeTransactions(t *testing.T) {
	t.Parallel()

	events := []event.WebhookEvent{
		paymentEvent("evt_1", "txn_1", "pending", 10, day),
		{ID: "evt_2", ReceivedAt: day, Type: "customer.created", Source: "acme", Payload: map[string]any{}},
		paymentEvent("evt_3", "txn_1", "completed", "0.125", day),
	}

	batch, err := buildBatch(planBatch(events, day))
	require.NoError(t, err)
	require.Len(t, batch.QueuedQueries, 4, "three inserts and one upsert for the repeated external id")

	for i, q := range batch.QueuedQueries[:3] {
		require.Equal(t, insertEventSQL, q.SQL, "query %d", i)
		require.Equal(t, events[i].ID, q.Arguments[0])
		require.Equal(t, true, q.Arguments[9], "event %s must be marked processed", events[i].ID)
	}

	upsert := batch.QueuedQueries[3]
	require.Equal(t, upsertTransactionSQL, upsert.SQL)
	require.Equal(t, "txn_1", upsert.Arguments[0])
	require.Equal(t, "evt_3", upsert.Arguments[1], "later events in the batch win")
	require.Equal(t, "0.125", upsert.Arguments[5], "amounts are sent as exact decimals")
}

func TestBuildBatchRecordsFailedEvents(t *testing.T) {
	t.Parallel()

	batch, err := buildBatch(planBatch([]event.WebhookEvent{
		paymentEvent("evt_bad", "txn_bad", "completed", "lots", day),
	}, day))
	require.NoError(t, err)
	require.Len(t, batch.QueuedQueries, 1)

	args := batch.QueuedQueries[0].Arguments
	require.Equal(t, false, args[9])
	require.Equal(t, event.ErrInvalidAmount.Error(), *(args[11].(*string)))
}
