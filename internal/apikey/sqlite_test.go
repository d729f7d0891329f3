package apikey

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestService(t *testing.T, wildcard bool) *SQLiteService {
	t.Helper()
	svc, err := NewSQLite(filepath.Join(t.TempDir(), "keys.db"), wildcard)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestResolveCreatedKey(t *testing.T) {
	svc := openTestService(t, false)
	ctx := context.Background()

	token, key, err := svc.Create(ctx, "ci")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if token == "" || key.ID == "" {
		t.Fatalf("token=%q key=%+v", token, key)
	}

	got, err := svc.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.KeyID != key.ID || got.Label != "ci" || got.Wildcard {
		t.Fatalf("context = %+v", got)
	}
}

func TestResolveUnknownWithoutWildcard(t *testing.T) {
	svc := openTestService(t, false)
	ctx := context.Background()

	if _, err := svc.Resolve(ctx, "nope"); err == nil {
		t.Fatal("unknown token must be rejected")
	}
	if _, err := svc.Resolve(ctx, ""); err == nil {
		t.Fatal("empty token must be rejected without wildcard")
	}
}

func TestResolveWildcardFallback(t *testing.T) {
	svc := openTestService(t, true)
	ctx := context.Background()

	// Empty and unknown tokens both land on the wildcard identity.
	for _, token := range []string{"", "anything-goes"} {
		got, err := svc.Resolve(ctx, token)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", token, err)
		}
		if got.KeyID != WildcardID || !got.Wildcard {
			t.Fatalf("Resolve(%q) = %+v", token, got)
		}
	}
}

func TestDisabledKeyRejectedEvenWithWildcard(t *testing.T) {
	svc := openTestService(t, true)
	ctx := context.Background()

	token, key, err := svc.Create(ctx, "revoked")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.SetEnabled(ctx, key.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	// A known-but-disabled key is an explicit rejection, not a wildcard hit.
	if _, err := svc.Resolve(ctx, token); err == nil {
		t.Fatal("disabled key must be rejected")
	}
}

func TestRecordUsageAccumulates(t *testing.T) {
	svc := openTestService(t, false)
	ctx := context.Background()

	_, key, err := svc.Create(ctx, "usage")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.RecordUsage(ctx, key.ID, Usage{InputTokens: 10, OutputTokens: 4}); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := svc.RecordUsage(ctx, key.ID, Usage{InputTokens: 5, OutputTokens: 1}); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	keys, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var found *Key
	for i := range keys {
		if keys[i].ID == key.ID {
			found = &keys[i]
		}
	}
	if found == nil {
		t.Fatalf("created key missing from List: %+v", keys)
	}
	if found.RequestCount != 2 || found.InputTokens != 15 || found.OutputTokens != 5 {
		t.Fatalf("counters = %+v", found)
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("hash must be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatal("distinct tokens must not collide trivially")
	}
}
