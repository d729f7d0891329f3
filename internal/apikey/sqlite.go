package apikey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ccgw/gateway/internal/apierr"
)

// SQLiteService implements Service backed by a local SQLite file.
type SQLiteService struct {
	db       *sql.DB
	wildcard bool
}

// NewSQLite opens (or creates) the keystore. wildcard enables the
// accept-anything key.
func NewSQLite(path string, wildcard bool) (*SQLiteService, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create keystore directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &SQLiteService{db: db, wildcard: wildcard}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteService) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL DEFAULT '',
	key_hash TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL DEFAULT 1,
	request_count INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_used_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply keystore schema: %w", err)
	}
	// The wildcard row exists even while disabled so its usage history
	// survives config flips.
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO api_keys (id, label, key_hash, enabled) VALUES (?, 'wildcard', ?, 1)`,
		WildcardID, "wildcard:"+WildcardID,
	)
	return err
}

// Resolve validates a presented token per the lookup-then-wildcard order.
func (s *SQLiteService) Resolve(ctx context.Context, token string) (*Context, error) {
	token = strings.TrimSpace(token)
	if token != "" {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, label, enabled FROM api_keys WHERE key_hash = ?`, HashToken(token))
		var id, label string
		var enabled bool
		err := row.Scan(&id, &label, &enabled)
		switch {
		case err == nil:
			if !enabled {
				return nil, apierr.InvalidAPIKey("api key is disabled")
			}
			return &Context{KeyID: id, Label: label}, nil
		case errors.Is(err, sql.ErrNoRows):
			// fall through to wildcard
		default:
			return nil, err
		}
	}
	if s.wildcard {
		return &Context{KeyID: WildcardID, Label: "wildcard", Wildcard: true}, nil
	}
	if token == "" {
		return nil, apierr.InvalidAPIKey("missing api key")
	}
	return nil, apierr.InvalidAPIKey("unknown api key")
}

// RecordUsage increments the key's counters and bumps last_used_at.
func (s *SQLiteService) RecordUsage(ctx context.Context, keyID string, usage Usage) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE api_keys
SET request_count = request_count + 1,
    input_tokens = input_tokens + ?,
    output_tokens = output_tokens + ?,
    last_used_at = CURRENT_TIMESTAMP
WHERE id = ?`, usage.InputTokens, usage.OutputTokens, keyID)
	return err
}

// Create mints a key. The raw token is returned once and never stored.
func (s *SQLiteService) Create(ctx context.Context, label string) (string, *Key, error) {
	id := uuid.NewString()
	token := "ccgw-" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, label, key_hash, enabled) VALUES (?, ?, ?, 1)`,
		id, label, HashToken(token))
	if err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}
	return token, &Key{ID: id, Label: label, Enabled: true, CreatedAt: time.Now()}, nil
}

// SetEnabled toggles a key on or off.
func (s *SQLiteService) SetEnabled(ctx context.Context, keyID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET enabled = ? WHERE id = ?`, enabled, keyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key %q not found", keyID)
	}
	return nil
}

// List returns all keys ordered by creation time.
func (s *SQLiteService) List(ctx context.Context) ([]Key, error) {
	// last_used_at is coalesced in Go rather than SQL: a COALESCE
	// expression has no declared column type, so the sqlite driver would
	// hand back a string that cannot scan into time.Time.
	rows, err := s.db.QueryContext(ctx, `
SELECT id, label, enabled, request_count, input_tokens, output_tokens, created_at, last_used_at
FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []Key
	for rows.Next() {
		var k Key
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.Label, &k.Enabled, &k.RequestCount, &k.InputTokens, &k.OutputTokens, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			k.LastUsedAt = lastUsed.Time
		} else {
			k.LastUsedAt = k.CreatedAt
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close releases the underlying database.
func (s *SQLiteService) Close() error { return s.db.Close() }
