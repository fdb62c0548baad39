package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	go_json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/zoobzio/clockz"

	"github.com/garrettladley/payhook/internal/event"
	"github.com/garrettladley/payhook/internal/migrations"
)

var _ Backend = (*MemoryStore)(nil)

// sqliteTime is fixed width so text comparison orders like time.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// MemoryStore keeps everything in a private in-memory SQLite database. It
// is not durable and is meant for development and tests, but it commits
// batches with the same transactional rules as PostgresStore.
type MemoryStore struct {
	clock clockz.Clock
	db    *sql.DB

	// beforeCommit lets tests fail a batch after its statements ran.
	beforeCommit func() error
}

func NewMemoryStore(ctx context.Context, opts ...Option) (*MemoryStore, error) {
	o := buildOptions(opts)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// each connection to :memory: is its own database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := migrations.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &MemoryStore{clock: o.clock, db: db}, nil
}

func (s *MemoryStore) WriteBatch(ctx context.Context, events []event.WebhookEvent) error {
	if len(events) == 0 {
		return nil
	}
	p := planBatch(events, s.clock.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range p.events {
		payload, err := go_json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload of %s: %w", e.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO webhook_events (
				id, received_at, event_type, source, company_id, payload,
				signature, client_ip, user_agent, processed, processed_at, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			e.ID, sqliteEncode(e.ReceivedAt), e.Type, e.Source, nullable(e.CompanyID), string(payload),
			e.Signature, e.ClientIP, e.UserAgent, e.Processed, sqliteEncodePtr(e.ProcessedAt), e.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
		}
	}

	for _, t := range p.transactions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (
				external_id, event_id, company_id, type, status, amount,
				currency, customer_id, occurred_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (external_id) DO UPDATE SET
				event_id = excluded.event_id,
				company_id = excluded.company_id,
				type = excluded.type,
				status = excluded.status,
				amount = excluded.amount,
				currency = excluded.currency,
				customer_id = excluded.customer_id,
				occurred_at = excluded.occurred_at,
				updated_at = excluded.updated_at`,
			t.ExternalID, t.EventID, nullable(t.CompanyID), t.Type, t.Status, t.Amount.String(),
			t.Currency, nullable(t.CustomerID), sqliteEncode(t.OccurredAt), sqliteEncode(t.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert transaction %s: %w", t.ExternalID, err)
		}
	}

	if s.beforeCommit != nil {
		if err := s.beforeCommit(); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch of %d events: %w", len(events), err)
	}
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, f Filter) ([]event.WebhookEvent, error) {
	where, args := f.clauses(eventColumns, sqlitePlaceholder, sqliteEncodeAny)
	rows, err := s.db.QueryContext(ctx, `SELECT id, received_at, event_type, source, COALESCE(company_id, ''), payload,
		signature, client_ip, user_agent, processed, processed_at, error
		FROM webhook_events`+where+` ORDER BY received_at DESC LIMIT ?`, append(args, f.limit())...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []event.WebhookEvent
	for rows.Next() {
		var (
			e                     event.WebhookEvent
			receivedAt, payload   string
			processedAt, errorMsg sql.NullString
		)
		if err := rows.Scan(&e.ID, &receivedAt, &e.Type, &e.Source, &e.CompanyID, &payload,
			&e.Signature, &e.ClientIP, &e.UserAgent, &e.Processed, &processedAt, &errorMsg); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.ReceivedAt, err = sqliteDecode(receivedAt); err != nil {
			return nil, err
		}
		if processedAt.Valid {
			at, err := sqliteDecode(processedAt.String)
			if err != nil {
				return nil, err
			}
			e.ProcessedAt = &at
		}
		if errorMsg.Valid {
			e.Error = &errorMsg.String
		}
		if err := go_json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, f Filter) ([]event.Transaction, error) {
	where, args := f.clauses(transactionColumns, sqlitePlaceholder, sqliteEncodeAny)
	rows, err := s.db.QueryContext(ctx, `SELECT external_id, event_id, COALESCE(company_id, ''), type, status, amount,
		currency, COALESCE(customer_id, ''), occurred_at, updated_at
		FROM transactions`+where+` ORDER BY occurred_at DESC LIMIT ?`, append(args, f.limit())...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []event.Transaction
	for rows.Next() {
		var (
			t                     event.Transaction
			amount                string
			occurredAt, updatedAt string
		)
		if err := rows.Scan(&t.ExternalID, &t.EventID, &t.CompanyID, &t.Type, &t.Status, &amount,
			&t.Currency, &t.CustomerID, &occurredAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Amount = event.Amount(amount)
		if t.OccurredAt, err = sqliteDecode(occurredAt); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = sqliteDecode(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Aggregate, error) {
	var (
		agg  Aggregate
		last sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN processed THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END), 0),
		MAX(processed_at)
		FROM webhook_events`).Scan(&agg.TotalReceived, &agg.TotalProcessed, &agg.TotalFailed, &last)
	if err != nil {
		return Aggregate{}, fmt.Errorf("failed to query stats: %w", err)
	}
	if last.Valid {
		at, err := sqliteDecode(last.String)
		if err != nil {
			return Aggregate{}, err
		}
		agg.LastProcessedAt = &at
	}
	return agg, nil
}

func (s *MemoryStore) RefreshAnalytics(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_daily_stats (day, event_type, received, processed, failed, volume, refreshed_at)
		SELECT
			substr(e.received_at, 1, 10),
			e.event_type,
			COUNT(*),
			SUM(CASE WHEN e.processed THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.error IS NOT NULL THEN 1 ELSE 0 END),
			ROUND(COALESCE(SUM(CAST(t.amount AS REAL)), 0), 2),
			?
		FROM webhook_events e
		LEFT JOIN transactions t ON t.event_id = e.id
		WHERE true
		GROUP BY 1, 2
		ON CONFLICT (day, event_type) DO UPDATE SET
			received = excluded.received,
			processed = excluded.processed,
			failed = excluded.failed,
			volume = excluded.volume,
			refreshed_at = excluded.refreshed_at`,
		sqliteEncode(s.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to refresh analytics: %w", err)
	}
	return nil
}

func (s *MemoryStore) DailyStats(ctx context.Context, f Filter) ([]DailyStat, error) {
	where, args := f.clauses(dailyColumns, sqlitePlaceholder, sqliteDate)
	rows, err := s.db.QueryContext(ctx, `SELECT day, event_type, received, processed, failed, volume, refreshed_at
		FROM webhook_daily_stats`+where+` ORDER BY day DESC, event_type LIMIT ?`, append(args, f.limit())...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []DailyStat
	for rows.Next() {
		var (
			d               DailyStat
			day, refreshed string
		)
		if err := rows.Scan(&day, &d.EventType, &d.Received, &d.Processed, &d.Failed, &d.Volume, &refreshed); err != nil {
			return nil, fmt.Errorf("failed to scan daily stat: %w", err)
		}
		if d.Day, err = time.Parse(time.DateOnly, day); err != nil {
			return nil, fmt.Errorf("failed to parse day %q: %w", day, err)
		}
		if d.RefreshedAt, err = sqliteDecode(refreshed); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily stats: %w", err)
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *MemoryStore) Close() error {
	return s.db.Close()
}

func sqlitePlaceholder(int) string { return "?" }

func sqliteEncode(t time.Time) string { return t.UTC().Format(sqliteTime) }

func sqliteEncodeAny(t time.Time) any { return sqliteEncode(t) }

func sqliteEncodePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteEncode(*t)
}

func sqliteDate(t time.Time) any { return t.UTC().Format(time.DateOnly) }

func sqliteDecode(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
