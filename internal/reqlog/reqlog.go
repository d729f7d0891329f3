// Package reqlog persists one record per gateway request through its
// lifecycle: created at request start, payload-upserted, token-updated, and
// finalized exactly once with the terminal status.
package reqlog

import (
	"context"
	"time"
)

// Record is the row created when a request starts.
type Record struct {
	ID          string
	Timestamp   time.Time
	Endpoint    string
	Provider    string
	Model       string // upstream model
	ClientModel string // model the caller asked for
	APIKeyID    string
	SessionID   string
	Stream      bool
}

// Tokens is one token-accounting update. TTFT and TPOT are zero for
// buffered requests.
type Tokens struct {
	Input          int
	Output         int
	CachedRead     int
	CachedCreation int
	TTFTMs         int64
	TPOTMs         float64
	Estimated      bool
}

// Final carries the terminal fields. StatusCode 499 marks a client
// disconnect.
type Final struct {
	LatencyMs  int64
	StatusCode int
	Error      string
}

// DailyUsage is one aggregated row per (day, endpoint, provider, model).
type DailyUsage struct {
	Day          string
	Endpoint     string
	Provider     string
	Model        string
	Requests     int64
	InputTokens  int64
	OutputTokens int64
}

// Store is the persistence contract. Implementations must tolerate
// finalize-after-close of the serving path and keep per-record call order.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	UpsertRequestPayload(ctx context.Context, id string, body string) error
	UpsertResponsePayload(ctx context.Context, id string, body string) error
	UpdateTokens(ctx context.Context, id string, t Tokens) error
	Finalize(ctx context.Context, id string, fin Final) error

	// AggregateDaily folds finalized records for one UTC day into daily_usage.
	AggregateDaily(ctx context.Context, day time.Time) error
	// Daily returns aggregated rows, most recent day first.
	Daily(ctx context.Context, limit int) ([]DailyUsage, error)

	Close() error
}
