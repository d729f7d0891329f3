package reqlog

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(id string) *Record {
	return &Record{
		ID:          id,
		Timestamp:   time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Endpoint:    "anthropic",
		Provider:    "anthropic-prod",
		Model:       "claude-sonnet-4-5-20250929",
		ClientModel: "claude-sonnet-4-5-20250929",
		APIKeyID:    "wildcard",
		Stream:      true,
	}
}

func TestRecordLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, testRecord("req-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.UpsertRequestPayload(ctx, "req-1", `{"model":"m"}`); err != nil {
		t.Fatalf("UpsertRequestPayload: %v", err)
	}
	if err := store.UpdateTokens(ctx, "req-1", Tokens{Input: 3, Output: 1, TTFTMs: 120, TPOTMs: 45.5}); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}
	if err := store.Finalize(ctx, "req-1", Final{LatencyMs: 900, StatusCode: 200}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	var status, input, output int
	var latency int64
	var errText sql.NullString
	row := store.db.QueryRow(`SELECT status_code, input_tokens, output_tokens, latency_ms, error FROM request_log WHERE id = 'req-1'`)
	if err := row.Scan(&status, &input, &output, &latency, &errText); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != 200 || input != 3 || output != 1 || latency != 900 {
		t.Fatalf("row = status=%d in=%d out=%d latency=%d", status, input, output, latency)
	}
	if errText.Valid {
		t.Fatalf("error should be null, got %q", errText.String)
	}
}

func TestFinalizeAppliesOnlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, testRecord("req-2")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Finalize(ctx, "req-2", Final{LatencyMs: 100, StatusCode: 200}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// Second finalize must not overwrite the first.
	if err := store.Finalize(ctx, "req-2", Final{LatencyMs: 999, StatusCode: 500, Error: "late"}); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}

	var status int
	var latency int64
	row := store.db.QueryRow(`SELECT status_code, latency_ms FROM request_log WHERE id = 'req-2'`)
	if err := row.Scan(&status, &latency); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != 200 || latency != 100 {
		t.Fatalf("second finalize overwrote the record: status=%d latency=%d", status, latency)
	}
}

func TestAggregateDaily(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"req-a", "req-b"} {
		rec := testRecord(id)
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := store.UpdateTokens(ctx, id, Tokens{Input: 10 * (i + 1), Output: i + 1}); err != nil {
			t.Fatalf("UpdateTokens: %v", err)
		}
		if err := store.Finalize(ctx, id, Final{LatencyMs: 50, StatusCode: 200}); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}
	// An unfinalized record must not count.
	if err := store.Create(ctx, testRecord("req-c")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.AggregateDaily(ctx, day); err != nil {
		t.Fatalf("AggregateDaily: %v", err)
	}
	rows, err := store.Daily(ctx, 10)
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("daily rows = %+v", rows)
	}
	got := rows[0]
	if got.Requests != 2 || got.InputTokens != 30 || got.OutputTokens != 3 {
		t.Fatalf("aggregate = %+v", got)
	}

	// Re-aggregation is idempotent.
	if err := store.AggregateDaily(ctx, day); err != nil {
		t.Fatalf("re-AggregateDaily: %v", err)
	}
	rows, _ = store.Daily(ctx, 10)
	if len(rows) != 1 || rows[0].Requests != 2 {
		t.Fatalf("re-aggregation changed totals: %+v", rows)
	}
}
