package reqlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store backed by PostgreSQL via the pgx stdlib
// driver. Intended for deployments where several gateways share one log.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres connects and applies the schema.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres request log: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres request log: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS request_log (
	id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	endpoint TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	client_model TEXT NOT NULL,
	api_key_id TEXT NOT NULL,
	session_id TEXT,
	stream BOOLEAN NOT NULL DEFAULT FALSE,
	request_body TEXT,
	response_body TEXT,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cached_read_tokens BIGINT NOT NULL DEFAULT 0,
	cached_creation_tokens BIGINT NOT NULL DEFAULT 0,
	ttft_ms BIGINT NOT NULL DEFAULT 0,
	tpot_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	estimated BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms BIGINT,
	status_code INT,
	error TEXT,
	finalized BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_request_log_ts ON request_log(ts);
CREATE INDEX IF NOT EXISTS idx_request_log_key ON request_log(api_key_id);

CREATE TABLE IF NOT EXISTS daily_usage (
	day TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	requests BIGINT NOT NULL DEFAULT 0,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (day, endpoint, provider, model)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply request log schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO request_log (id, ts, endpoint, provider, model, client_model, api_key_id, session_id, stream)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Timestamp.UTC(), rec.Endpoint, rec.Provider, rec.Model,
		rec.ClientModel, rec.APIKeyID, rec.SessionID, rec.Stream)
	return err
}

func (s *PostgresStore) UpsertRequestPayload(ctx context.Context, id, body string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE request_log SET request_body = $1 WHERE id = $2`, body, id)
	return err
}

func (s *PostgresStore) UpsertResponsePayload(ctx context.Context, id, body string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE request_log SET response_body = $1 WHERE id = $2`, body, id)
	return err
}

func (s *PostgresStore) UpdateTokens(ctx context.Context, id string, t Tokens) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE request_log
SET input_tokens = $1, output_tokens = $2, cached_read_tokens = $3, cached_creation_tokens = $4,
    ttft_ms = $5, tpot_ms = $6, estimated = $7
WHERE id = $8`,
		t.Input, t.Output, t.CachedRead, t.CachedCreation, t.TTFTMs, t.TPOTMs, t.Estimated, id)
	return err
}

func (s *PostgresStore) Finalize(ctx context.Context, id string, fin Final) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE request_log
SET latency_ms = $1, status_code = $2, error = $3, finalized = TRUE
WHERE id = $4 AND finalized = FALSE`,
		fin.LatencyMs, fin.StatusCode, nullIfEmpty(fin.Error), id)
	return err
}

func (s *PostgresStore) AggregateDaily(ctx context.Context, day time.Time) error {
	d := day.UTC().Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, `
INSERT INTO daily_usage (day, endpoint, provider, model, requests, input_tokens, output_tokens)
SELECT $1, endpoint, provider, model, COUNT(*), SUM(input_tokens), SUM(output_tokens)
FROM request_log
WHERE finalized AND to_char(ts AT TIME ZONE 'UTC', 'YYYY-MM-DD') = $2
GROUP BY endpoint, provider, model
ON CONFLICT (day, endpoint, provider, model) DO UPDATE SET
	requests = EXCLUDED.requests,
	input_tokens = EXCLUDED.input_tokens,
	output_tokens = EXCLUDED.output_tokens`, d, d)
	return err
}

func (s *PostgresStore) Daily(ctx context.Context, limit int) ([]DailyUsage, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT day, endpoint, provider, model, requests, input_tokens, output_tokens
FROM daily_usage ORDER BY day DESC, endpoint, provider, model LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DailyUsage
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Day, &d.Endpoint, &d.Provider, &d.Model, &d.Requests, &d.InputTokens, &d.OutputTokens); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

var _ Store = (*PostgresStore)(nil)
var _ Store = (*SQLiteStore)(nil)
