package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			stream_sid TEXT NOT NULL DEFAULT '',
			call_sid TEXT NOT NULL DEFAULT '',
			variant TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			end_reason TEXT NOT NULL DEFAULT '',
			ai_close_code INTEGER NOT NULL DEFAULT 0,
			ai_close_reason TEXT NOT NULL DEFAULT '',
			media_in INTEGER NOT NULL DEFAULT 0,
			chunks_to_ai INTEGER NOT NULL DEFAULT 0,
			chunks_to_telephony INTEGER NOT NULL DEFAULT 0,
			control_events INTEGER NOT NULL DEFAULT 0,
			dropped INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_ended ON call_records (ended_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_stream ON call_records (stream_sid);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now().UTC()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = r.EndedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_records (id, session_id, stream_sid, call_sid, variant, started_at, ended_at,
			end_reason, ai_close_code, ai_close_reason, media_in, chunks_to_ai, chunks_to_telephony,
			control_events, dropped)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.SessionID, r.StreamSID, r.CallSID, r.Variant, r.StartedAt, r.EndedAt,
		r.EndReason, r.AICloseCode, r.AICloseReason, r.MediaIn, r.ChunksToAI, r.ChunksToTelephony,
		r.ControlEvents, r.Dropped,
	)
	if err != nil {
		return fmt.Errorf("save call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, stream_sid, call_sid, variant, started_at, ended_at, end_reason,
			ai_close_code, ai_close_reason, media_in, chunks_to_ai, chunks_to_telephony,
			control_events, dropped
		 FROM call_records ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StreamSID, &r.CallSID, &r.Variant, &r.StartedAt,
			&r.EndedAt, &r.EndReason, &r.AICloseCode, &r.AICloseReason, &r.MediaIn, &r.ChunksToAI,
			&r.ChunksToTelephony, &r.ControlEvents, &r.Dropped); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
