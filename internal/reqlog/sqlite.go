package reqlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store backed by a local SQLite file in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the request log database.
func NewSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	// _time_format=sqlite stores time.Time values in SQLite's own text
	// format so date(ts) in AggregateDaily can parse them.
	db, err := sql.Open("sqlite", path+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open request log: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS request_log (
	id TEXT PRIMARY KEY,
	ts TIMESTAMP NOT NULL,
	endpoint TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	client_model TEXT NOT NULL,
	api_key_id TEXT NOT NULL,
	session_id TEXT,
	stream INTEGER NOT NULL DEFAULT 0,
	request_body TEXT,
	response_body TEXT,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cached_read_tokens INTEGER NOT NULL DEFAULT 0,
	cached_creation_tokens INTEGER NOT NULL DEFAULT 0,
	ttft_ms INTEGER NOT NULL DEFAULT 0,
	tpot_ms REAL NOT NULL DEFAULT 0,
	estimated INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER,
	status_code INTEGER,
	error TEXT,
	finalized INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_request_log_ts ON request_log(ts);
CREATE INDEX IF NOT EXISTS idx_request_log_key ON request_log(api_key_id);

CREATE TABLE IF NOT EXISTS daily_usage (
	day TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (day, endpoint, provider, model)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply request log schema: %w", err)
	}
	return nil
}

// Create inserts the initial record.
func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO request_log (id, ts, endpoint, provider, model, client_model, api_key_id, session_id, stream)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UTC(), rec.Endpoint, rec.Provider, rec.Model,
		rec.ClientModel, rec.APIKeyID, rec.SessionID, rec.Stream)
	return err
}

// UpsertRequestPayload stores the serialized request body.
func (s *SQLiteStore) UpsertRequestPayload(ctx context.Context, id, body string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE request_log SET request_body = ? WHERE id = ?`, body, id)
	return err
}

// UpsertResponsePayload stores the response body or concatenated stream.
func (s *SQLiteStore) UpsertResponsePayload(ctx context.Context, id, body string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE request_log SET response_body = ? WHERE id = ?`, body, id)
	return err
}

// UpdateTokens overwrites the token accounting fields.
func (s *SQLiteStore) UpdateTokens(ctx context.Context, id string, t Tokens) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE request_log
SET input_tokens = ?, output_tokens = ?, cached_read_tokens = ?, cached_creation_tokens = ?,
    ttft_ms = ?, tpot_ms = ?, estimated = ?
WHERE id = ?`,
		t.Input, t.Output, t.CachedRead, t.CachedCreation, t.TTFTMs, t.TPOTMs, t.Estimated, id)
	return err
}

// Finalize writes the terminal fields. A second finalize on the same record
// is a no-op.
func (s *SQLiteStore) Finalize(ctx context.Context, id string, fin Final) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE request_log
SET latency_ms = ?, status_code = ?, error = ?, finalized = 1
WHERE id = ? AND finalized = 0`,
		fin.LatencyMs, fin.StatusCode, nullIfEmpty(fin.Error), id)
	return err
}

// AggregateDaily folds one UTC day of finalized records into daily_usage.
func (s *SQLiteStore) AggregateDaily(ctx context.Context, day time.Time) error {
	d := day.UTC().Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, `
INSERT INTO daily_usage (day, endpoint, provider, model, requests, input_tokens, output_tokens)
SELECT ?, endpoint, provider, model, COUNT(*), SUM(input_tokens), SUM(output_tokens)
FROM request_log
WHERE finalized = 1 AND date(ts) = ?
GROUP BY endpoint, provider, model
ON CONFLICT(day, endpoint, provider, model) DO UPDATE SET
	requests = excluded.requests,
	input_tokens = excluded.input_tokens,
	output_tokens = excluded.output_tokens`, d, d)
	return err
}

// Daily returns aggregated rows, most recent first.
func (s *SQLiteStore) Daily(ctx context.Context, limit int) ([]DailyUsage, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT day, endpoint, provider, model, requests, input_tokens, output_tokens
FROM daily_usage ORDER BY day DESC, endpoint, provider, model LIMIT ?`, limit)
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

// Close releases the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
