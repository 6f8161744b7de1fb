// Package calllog persists call-detail records (CDRs) to PostgreSQL.
// One row is written per bridged call when it closes; the table is a
// flat audit log suitable for billing and dashboard queries.
//
// The store is optional: a bridge deployment without a DSN simply does
// not construct one.
package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CDR is one call-detail record.
type CDR struct {
	ConversationID string
	Platform       string
	BotName        string
	Caller         string
	StartedAt      time.Time
	EndedAt        time.Time
	Duration       time.Duration
	Turns          int
	FunctionCalls  int
	ResumedCount   int
	EndReason      string
}

const ddlCallLog = `
CREATE TABLE IF NOT EXISTS call_log (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    platform        TEXT         NOT NULL,
    bot_name        TEXT         NOT NULL DEFAULT '',
    caller          TEXT         NOT NULL DEFAULT '',
    started_at      TIMESTAMPTZ  NOT NULL,
    ended_at        TIMESTAMPTZ  NOT NULL,
    duration_ns     BIGINT       NOT NULL DEFAULT 0,
    turns           INT          NOT NULL DEFAULT 0,
    function_calls  INT          NOT NULL DEFAULT 0,
    resumed_count   INT          NOT NULL DEFAULT 0,
    end_reason      TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_call_log_conversation_id
    ON call_log (conversation_id);

CREATE INDEX IF NOT EXISTS idx_call_log_started_at
    ON call_log (started_at);`

// Store writes CDRs through a shared connection pool. All methods are
// safe for concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// NewStore wraps an existing database handle without running
// migrations. Useful for tests and shared pools.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Open connects to the database at dsn and ensures the call_log table
// exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlCallLog); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: migrate: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

// Insert appends one CDR.
func (s *Store) Insert(ctx context.Context, cdr CDR) error {
	const q = `
		INSERT INTO call_log
		    (conversation_id, platform, bot_name, caller, started_at, ended_at,
		     duration_ns, turns, function_calls, resumed_count, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.Exec(ctx, q,
		cdr.ConversationID,
		cdr.Platform,
		cdr.BotName,
		cdr.Caller,
		cdr.StartedAt,
		cdr.EndedAt,
		cdr.Duration.Nanoseconds(),
		cdr.Turns,
		cdr.FunctionCalls,
		cdr.ResumedCount,
		cdr.EndReason,
	)
	if err != nil {
		return fmt.Errorf("calllog: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit CDRs ordered newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]CDR, error) {
	const q = `
		SELECT conversation_id, platform, bot_name, caller, started_at, ended_at,
		       duration_ns, turns, function_calls, resumed_count, end_reason
		FROM   call_log
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: query recent: %w", err)
	}
	defer rows.Close()

	var out []CDR
	for rows.Next() {
		var cdr CDR
		var durationNS int64
		if err := rows.Scan(
			&cdr.ConversationID,
			&cdr.Platform,
			&cdr.BotName,
			&cdr.Caller,
			&cdr.StartedAt,
			&cdr.EndedAt,
			&durationNS,
			&cdr.Turns,
			&cdr.FunctionCalls,
			&cdr.ResumedCount,
			&cdr.EndReason,
		); err != nil {
			return nil, fmt.Errorf("calllog: scan: %w", err)
		}
		cdr.Duration = time.Duration(durationNS)
		out = append(out, cdr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calllog: rows: %w", err)
	}
	return out, nil
}

// Ping reports whether the database is reachable. Stores wrapping an
// injected handle report healthy without a round-trip.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("calllog: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool, if this store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
