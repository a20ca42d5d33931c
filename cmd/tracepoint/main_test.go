package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tracepoint-dev/tracepoint/internal/apikey"
	"github.com/tracepoint-dev/tracepoint/internal/config"
)

func TestNewKeyStoreSeedsAndResolvesProjects(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "tracepoint.db")
	cfg.Projects = []config.ProjectConfig{
		{ID: "proj-1", Name: "checkout", PublicKey: "pk-live-1", SecretKey: "sk-live-1"},
	}

	store, driver, err := newTelemetryStore(cfg)
	if err != nil {
		t.Fatalf("newTelemetryStore: %v", err)
	}
	defer store.Close()
	if driver != apikey.DriverSQLite {
		t.Fatalf("driver = %q, want %q", driver, apikey.DriverSQLite)
	}

	keyStore, err := newKeyStore(cfg, store, driver)
	if err != nil {
		t.Fatalf("newKeyStore: %v", err)
	}

	// Seeding is verified by reading each project back.
	project, err := keyStore.GetProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if project.Name != "checkout" {
		t.Errorf("project name = %q, want checkout", project.Name)
	}

	key, err := keyStore.GetByPublicKey(context.Background(), "pk-live-1")
	if err != nil {
		t.Fatalf("GetByPublicKey: %v", err)
	}
	if key.ProjectID != "proj-1" {
		t.Errorf("key project = %q, want proj-1", key.ProjectID)
	}
	if !apikey.VerifySecret("sk-live-1", key.SecretHash) {
		t.Error("seeded secret hash does not verify against the secret key")
	}
}

func TestNewKeyStoreRejectsInvalidSeed(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "tracepoint.db")
	cfg.Projects = []config.ProjectConfig{
		{ID: "", PublicKey: "pk-live-1", SecretKey: "sk-live-1"},
	}

	store, driver, err := newTelemetryStore(cfg)
	if err != nil {
		t.Fatalf("newTelemetryStore: %v", err)
	}
	defer store.Close()

	if _, err := newKeyStore(cfg, store, driver); err == nil {
		t.Fatal("expected an error for a project without an id")
	}
}
