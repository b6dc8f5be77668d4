package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"recallsync/internal/common"
)

func TestCatalog_OpenCreatesSchema(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "catalog.db")

	cat, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}
	defer cat.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("Catalog file not created: %v", err)
	}

	var version string
	err = cat.Bun().NewRaw(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(context.Background(), &version)
	if err != nil {
		t.Fatalf("Failed to read schema version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("Expected schema version %s, got %s", SchemaVersion, version)
	}
}

func TestCatalog_SecondOpenFailsLocked(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "catalog.db")

	cat, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}
	defer cat.Close()

	_, err = Open(dbPath)
	if !errors.Is(err, common.ErrLocked) {
		t.Errorf("Expected ErrLocked on second open, got %v", err)
	}
}

func TestCatalog_ReopenAfterClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "catalog.db")

	cat, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}
	if err := cat.Close(); err != nil {
		t.Fatalf("Failed to close catalog: %v", err)
	}

	cat, err = Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen catalog: %v", err)
	}
	defer cat.Close()
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
