package apikey

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHashSecretStable(t *testing.T) {
	t.Parallel()

	first := HashSecret("sk-live-1")
	second := HashSecret("sk-live-1")
	if first != second {
		t.Errorf("hash is not deterministic: %q vs %q", first, second)
	}
	if len(first) != 64 {
		t.Errorf("hash length = %d, want 64 hex characters", len(first))
	}
	if first == HashSecret("sk-live-2") {
		t.Error("different secrets produced the same hash")
	}
}

func TestVerifySecret(t *testing.T) {
	t.Parallel()

	hash := HashSecret("sk-live-1")
	if !VerifySecret("sk-live-1", hash) {
		t.Error("correct secret rejected")
	}
	if !VerifySecret("sk-live-1", "  "+hash+"  ") {
		t.Error("whitespace around the stored hash must be tolerated")
	}
	if VerifySecret("sk-wrong", hash) {
		t.Error("wrong secret accepted")
	}
	if VerifySecret("sk-live-1", "") {
		t.Error("empty stored hash accepted")
	}
}

func TestStaticStoreLookup(t *testing.T) {
	t.Parallel()

	store := NewStaticStore(
		[]Project{{ID: "proj-1", Name: "demo"}},
		[]APIKey{
			{ID: "key-1", ProjectID: "proj-1", PublicKey: "pk-live-1", SecretHash: HashSecret("sk-live-1")},
			{ID: "key-2", ProjectID: "proj-1", PublicKey: "pk-revoked", SecretHash: HashSecret("sk-revoked"), RevokedAt: time.Now()},
		},
	)
	ctx := context.Background()

	key, err := store.GetByPublicKey(ctx, "pk-live-1")
	if err != nil {
		t.Fatalf("GetByPublicKey: %v", err)
	}
	if key.ProjectID != "proj-1" {
		t.Errorf("projectId = %q, want proj-1", key.ProjectID)
	}

	if _, err := store.GetByPublicKey(ctx, "pk-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key error = %v, want ErrNotFound", err)
	}
	// A revoked key must be indistinguishable from a missing one.
	if _, err := store.GetByPublicKey(ctx, "pk-revoked"); !errors.Is(err, ErrNotFound) {
		t.Errorf("revoked key error = %v, want ErrNotFound", err)
	}

	project, err := store.GetProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if project.Name != "demo" {
		t.Errorf("project name = %q, want demo", project.Name)
	}
	if _, err := store.GetProject(ctx, "proj-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing project error = %v, want ErrNotFound", err)
	}
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	t.Parallel()

	postgres := &SQLStore{driver: DriverPostgres}
	got := postgres.rebind("SELECT id FROM api_keys WHERE public_key = ? AND project_id = ?")
	want := "SELECT id FROM api_keys WHERE public_key = $1 AND project_id = $2"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	sqlite := &SQLStore{driver: DriverSQLite}
	query := "SELECT id FROM api_keys WHERE public_key = ?"
	if got := sqlite.rebind(query); got != query {
		t.Errorf("sqlite rebind rewrote the query: %q", got)
	}
}
