// Package apikey authenticates inbound callers against a local SQLite
// keystore and records per-key usage after each request.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// WildcardID is the identity wildcard hits are recorded under.
const WildcardID = "wildcard"

// Key is one stored API key.
type Key struct {
	ID           string
	Label        string
	Enabled      bool
	CreatedAt    time.Time
	LastUsedAt   time.Time
	RequestCount int64
	InputTokens  int64
	OutputTokens int64
}

// Context identifies the authenticated caller for one request.
type Context struct {
	KeyID    string
	Label    string
	Wildcard bool
}

// Usage is the per-request increment recorded after finalize.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Service resolves presented tokens and records usage.
type Service interface {
	// Resolve validates a presented token. With the wildcard enabled, any
	// token (including none) resolves to the wildcard identity.
	Resolve(ctx context.Context, token string) (*Context, error)
	// RecordUsage increments the key's counters. Callers guard against
	// double commits per request.
	RecordUsage(ctx context.Context, keyID string, usage Usage) error
	// Create mints a new key and returns its raw token, shown only once.
	Create(ctx context.Context, label string) (string, *Key, error)
	// SetEnabled toggles a key.
	SetEnabled(ctx context.Context, keyID string, enabled bool) error
	// List returns all keys with their usage counters.
	List(ctx context.Context) ([]Key, error)
	Close() error
}

// HashToken derives the stored lookup hash for a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
