package storage

import (
	"time"

	"github.com/garrettladley/payhook/internal/event"
)

// plan is what one WriteBatch call commits.
type plan struct {
	events       []event.WebhookEvent
	transactions []event.Transaction
}

// planBatch settles the processed state of every event and derives the
// transactions to upsert. Inputs are not mutated. Later events in the batch
// win for a repeated external id.
func planBatch(events []event.WebhookEvent, now time.Time) plan {
	p := plan{events: make([]event.WebhookEvent, 0, len(events))}
	index := make(map[string]int)

	for _, e := range events {
		txn, ok, err := event.DeriveTransaction(e, now)
		switch {
		case err != nil:
			e.MarkFailed(err.Error())
		default:
			e.MarkProcessed(now)
		}
		p.events = append(p.events, e)

		if !ok || err != nil {
			continue
		}
		if i, seen := index[txn.ExternalID]; seen {
			p.transactions[i] = txn
			continue
		}
		index[txn.ExternalID] = len(p.transactions)
		p.transactions = append(p.transactions, txn)
	}
	return p
}
