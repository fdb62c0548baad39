package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	go_json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zoobzio/clockz"

	"github.com/garrettladley/payhook/internal/event"
	"github.com/garrettladley/payhook/internal/migrations/postgres"
)

var _ Backend = (*PostgresStore)(nil)

var ErrMissingURL = errors.New("database url is required")

// querier is the subset shared by *pgxpool.Pool and *pgx.Conn.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore either shares a small pool or dials a fresh connection per
// call, for poolers and serverless hosts that drop idle sessions. Statements
// run in exec mode so no server-side prepared statements are left behind.
type PostgresStore struct {
	clock   clockz.Clock
	pool    *pgxpool.Pool
	connCfg *pgx.ConnConfig

	// beforeCommit runs inside the write transaction after every statement
	// succeeded; an error rolls the whole batch back.
	beforeCommit func() error
}

func NewPostgresStore(ctx context.Context, cfg Config, opts ...Option) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	o := buildOptions(opts)

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	s := &PostgresStore{clock: o.clock}
	if cfg.FreshConnections {
		s.connCfg = poolCfg.ConnConfig
	} else {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool: %w", err)
		}
		s.pool = pool
	}

	if err := s.migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if s.pool != nil {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire connection: %w", err)
		}
		defer conn.Release()
		if err := postgres.Apply(ctx, conn); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		return nil
	}

	conn, err := pgx.ConnectConfig(ctx, s.connCfg)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()
	if err := postgres.Apply(ctx, conn); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) withConn(ctx context.Context, fn func(querier) error) error {
	if s.pool != nil {
		return fn(s.pool)
	}
	conn, err := pgx.ConnectConfig(ctx, s.connCfg)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()
	return fn(conn)
}

const insertEventSQL = `
INSERT INTO webhook_events (
    id, received_at, event_type, source, company_id, payload,
    signature, client_ip, user_agent, processed, processed_at, error
) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING`

const upsertTransactionSQL = `
INSERT INTO transactions (
    external_id, event_id, company_id, type, status, amount,
    currency, customer_id, occurred_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
ON CONFLICT (external_id) DO UPDATE SET
    event_id = EXCLUDED.event_id,
    company_id = EXCLUDED.company_id,
    type = EXCLUDED.type,
    status = EXCLUDED.status,
    amount = EXCLUDED.amount,
    currency = EXCLUDED.currency,
    customer_id = EXCLUDED.customer_id,
    occurred_at = EXCLUDED.occurred_at,
    updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) WriteBatch(ctx context.Context, events []event.WebhookEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := buildBatch(planBatch(events, s.clock.Now()))
	if err != nil {
		return err
	}

	return s.withConn(ctx, func(q querier) error {
		return pgx.BeginFunc(ctx, q, func(tx pgx.Tx) error {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to write batch of %d events: %w", len(events), err)
			}
			if s.beforeCommit != nil {
				return s.beforeCommit()
			}
			return nil
		})
	})
}

// buildBatch queues every event insert ahead of the transaction upserts so
// one round trip carries the whole plan.
func buildBatch(p plan) (*pgx.Batch, error) {
	batch := &pgx.Batch{}
	for _, e := range p.events {
		payload, err := go_json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload of %s: %w", e.ID, err)
		}
		batch.Queue(insertEventSQL,
			e.ID, e.ReceivedAt, e.Type, e.Source, nullable(e.CompanyID), string(payload),
			e.Signature, e.ClientIP, e.UserAgent, e.Processed, e.ProcessedAt, e.Error,
		)
	}
	for _, t := range p.transactions {
		batch.Queue(upsertTransactionSQL,
			t.ExternalID, t.EventID, nullable(t.CompanyID), t.Type, t.Status,
			t.Amount.String(), t.Currency, nullable(t.CustomerID),
			t.OccurredAt, t.UpdatedAt,
		)
	}
	return batch, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, f Filter) ([]event.WebhookEvent, error) {
	where, args := f.clauses(eventColumns, pgPlaceholder, pgTime)
	sql := `SELECT id, received_at, event_type, source, COALESCE(company_id, ''), payload::text,
	    signature, client_ip, user_agent, processed, processed_at, error
	FROM webhook_events` + where + ` ORDER BY received_at DESC LIMIT ` + strconv.Itoa(f.limit())

	var out []event.WebhookEvent
	err := s.withConn(ctx, func(q querier) error {
		rows, err := q.Query(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("failed to query events: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (event.WebhookEvent, error) {
			var (
				e       event.WebhookEvent
				payload string
			)
			if err := row.Scan(&e.ID, &e.ReceivedAt, &e.Type, &e.Source, &e.CompanyID, &payload,
				&e.Signature, &e.ClientIP, &e.UserAgent, &e.Processed, &e.ProcessedAt, &e.Error); err != nil {
				return e, err
			}
			if err := go_json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return e, fmt.Errorf("failed to decode payload of %s: %w", e.ID, err)
			}
			e.ReceivedAt = e.ReceivedAt.UTC()
			return e, nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan events: %w", err)
		}
		return nil
	})
	return out, err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, f Filter) ([]event.Transaction, error) {
	where, args := f.clauses(transactionColumns, pgPlaceholder, pgTime)
	sql := `SELECT external_id, event_id, COALESCE(company_id, ''), type, status, amount::text,
	    currency, COALESCE(customer_id, ''), occurred_at, updated_at
	FROM transactions` + where + ` ORDER BY occurred_at DESC LIMIT ` + strconv.Itoa(f.limit())

	var out []event.Transaction
	err := s.withConn(ctx, func(q querier) error {
		rows, err := q.Query(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("failed to query transactions: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (event.Transaction, error) {
			var (
				t      event.Transaction
				amount string
			)
			err := row.Scan(&t.ExternalID, &t.EventID, &t.CompanyID, &t.Type, &t.Status, &amount,
				&t.Currency, &t.CustomerID, &t.OccurredAt, &t.UpdatedAt)
			t.Amount = event.Amount(amount)
			return t, err
		})
		if err != nil {
			return fmt.Errorf("failed to scan transactions: %w", err)
		}
		return nil
	})
	return out, err
}

func (s *PostgresStore) Stats(ctx context.Context) (Aggregate, error) {
	const sql = `SELECT
	    COUNT(*),
	    COUNT(*) FILTER (WHERE processed),
	    COUNT(*) FILTER (WHERE error IS NOT NULL),
	    MAX(processed_at)
	FROM webhook_events`

	var agg Aggregate
	err := s.withConn(ctx, func(q querier) error {
		if err := q.QueryRow(ctx, sql).Scan(&agg.TotalReceived, &agg.TotalProcessed, &agg.TotalFailed, &agg.LastProcessedAt); err != nil {
			return fmt.Errorf("failed to query stats: %w", err)
		}
		return nil
	})
	return agg, err
}

const refreshAnalyticsPostgresSQL = `
INSERT INTO webhook_daily_stats (day, event_type, received, processed, failed, volume, refreshed_at)
SELECT
    (e.received_at AT TIME ZONE 'UTC')::date,
    e.event_type,
    COUNT(*),
    COUNT(*) FILTER (WHERE e.processed),
    COUNT(*) FILTER (WHERE e.error IS NOT NULL),
    COALESCE(SUM(t.amount), 0),
    $1
FROM webhook_events e
LEFT JOIN transactions t ON t.event_id = e.id
GROUP BY 1, 2
ON CONFLICT (day, event_type) DO UPDATE SET
    received = EXCLUDED.received,
    processed = EXCLUDED.processed,
    failed = EXCLUDED.failed,
    volume = EXCLUDED.volume,
    refreshed_at = EXCLUDED.refreshed_at`

func (s *PostgresStore) RefreshAnalytics(ctx context.Context) error {
	return s.withConn(ctx, func(q querier) error {
		if _, err := q.Exec(ctx, refreshAnalyticsPostgresSQL, s.clock.Now().UTC()); err != nil {
			return fmt.Errorf("failed to refresh analytics: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DailyStats(ctx context.Context, f Filter) ([]DailyStat, error) {
	cols := dailyColumns
	cols.atCast = "::date"
	where, args := f.clauses(cols, pgPlaceholder, pgDate)
	sql := `SELECT day, event_type, received, processed, failed, volume::float8, refreshed_at
	FROM webhook_daily_stats` + where + ` ORDER BY day DESC, event_type LIMIT ` + strconv.Itoa(f.limit())

	var out []DailyStat
	err := s.withConn(ctx, func(q querier) error {
		rows, err := q.Query(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("failed to query daily stats: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (DailyStat, error) {
			var d DailyStat
			err := row.Scan(&d.Day, &d.EventType, &d.Received, &d.Processed, &d.Failed, &d.Volume, &d.RefreshedAt)
			return d, err
		})
		if err != nil {
			return fmt.Errorf("failed to scan daily stats: %w", err)
		}
		return nil
	})
	return out, err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.withConn(ctx, func(q querier) error {
		_, err := q.Exec(ctx, "SELECT 1")
		return err
	})
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func pgTime(t time.Time) any { return t.UTC() }

func pgDate(t time.Time) any { return t.UTC().Format(time.DateOnly) }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
