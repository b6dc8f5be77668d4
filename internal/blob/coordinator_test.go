package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"recallsync/internal/common"
	"recallsync/internal/storage"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.BunDB, *ContentStore) {
	t.Helper()
	cat, err := storage.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	store := NewContentStore(memfs.New())
	coord := NewCoordinator(cat.Bun(), store, "dev-1", "owner-1")
	return coord, cat.Bun(), store
}

func TestCoordinator_IngestRegistersMetaAndPresence(t *testing.T) {
	coord, db, store := newTestCoordinator(t)
	ctx := context.Background()

	digest, err := coord.Ingest(ctx, strings.NewReader("document body"), "doc.txt", "/src/doc.txt")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if !store.Has(digest) {
		t.Error("Expected bytes in content store")
	}

	meta, err := db.GetBlobMeta(ctx, digest)
	if err != nil {
		t.Fatalf("Missing blob metadata: %v", err)
	}
	if meta.Filename != "doc.txt" || meta.OwnerID != "owner-1" {
		t.Errorf("Unexpected metadata: %+v", meta)
	}

	pres, err := db.GetPresence(ctx, "dev-1", digest)
	if err != nil {
		t.Fatalf("Missing presence row: %v", err)
	}
	if !pres.Present || pres.Health != storage.HealthHealthy || pres.LocalPath != "/src/doc.txt" {
		t.Errorf("Unexpected presence: %+v", pres)
	}
}

func TestCoordinator_MarkAvailableRequiresMeta(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	err := coord.MarkAvailable(context.Background(), strings.Repeat("c", 64), "/tmp/x")
	if !errors.Is(err, common.ErrMissingBlobMeta) {
		t.Errorf("Expected ErrMissingBlobMeta, got %v", err)
	}
}

func TestCoordinator_BackfillRegistersUntrackedBlobs(t *testing.T) {
	coord, db, store := newTestCoordinator(t)
	ctx := context.Background()

	// Two blobs in the store, neither known to the catalog.
	d1, _, err := store.Put(strings.NewReader("first"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	d2, _, err := store.Put(strings.NewReader("second"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	report, err := coord.Backfill(ctx)
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if report.Total != 2 || report.Synced != 2 || report.Failed != 0 {
		t.Errorf("Unexpected report: %+v", report)
	}

	for _, digest := range []string{d1, d2} {
		if _, err := db.GetBlobMeta(ctx, digest); err != nil {
			t.Errorf("Backfill did not register %s: %v", digest, err)
		}
		if _, err := db.GetPresence(ctx, "dev-1", digest); err != nil {
			t.Errorf("Backfill did not record presence for %s: %v", digest, err)
		}
	}

	// A second run over the same store is harmless.
	report, err = coord.Backfill(ctx)
	if err != nil {
		t.Fatalf("Second backfill failed: %v", err)
	}
	if report.Synced != 2 {
		t.Errorf("Expected idempotent backfill, got %+v", report)
	}
}

func TestCoordinator_DeleteBlobKeepsBytes(t *testing.T) {
	coord, db, store := newTestCoordinator(t)
	ctx := context.Background()

	digest, err := coord.Ingest(ctx, strings.NewReader("ephemeral"), "e.txt", "/e.txt")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if err := coord.DeleteBlob(ctx, digest); err != nil {
		t.Fatalf("DeleteBlob failed: %v", err)
	}
	if _, err := db.GetBlobMeta(ctx, digest); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected metadata gone, got %v", err)
	}
	if _, err := db.GetPresence(ctx, "dev-1", digest); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected presence gone, got %v", err)
	}
	// Metadata deletion never touches the stored bytes.
	if !store.Has(digest) {
		t.Error("Expected bytes kept after metadata deletion")
	}
}

func TestCoordinator_PurgeBytesIsExplicit(t *testing.T) {
	coord, _, store := newTestCoordinator(t)
	ctx := context.Background()

	digest, err := coord.Ingest(ctx, strings.NewReader("purged"), "p.txt", "/p.txt")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if err := coord.PurgeBytes(digest); err != nil {
		t.Fatalf("PurgeBytes failed: %v", err)
	}
	if store.Has(digest) {
		t.Error("Expected bytes removed after explicit purge")
	}

	// Purging a digest with no local copy is a no-op.
	if err := coord.PurgeBytes(digest); err != nil {
		t.Errorf("Expected repeat purge to be a no-op, got %v", err)
	}
}

func TestCoordinator_Rename(t *testing.T) {
	coord, db, _ := newTestCoordinator(t)
	ctx := context.Background()

	digest, err := coord.Ingest(ctx, strings.NewReader("named"), "old.txt", "/old.txt")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if err := coord.Rename(ctx, digest, "new.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	meta, err := db.GetBlobMeta(ctx, digest)
	if err != nil {
		t.Fatalf("Failed to read metadata: %v", err)
	}
	if meta.Filename != "new.txt" {
		t.Errorf("Expected renamed, got %q", meta.Filename)
	}
	if meta.Digest != digest {
		t.Errorf("Rename must not change the digest")
	}
}

func TestCoordinator_CheckHealthTransitions(t *testing.T) {
	coord, db, _ := newTestCoordinator(t)
	ctx := context.Background()
	dir := t.TempDir()

	healthyPath := filepath.Join(dir, "healthy.txt")
	modifiedPath := filepath.Join(dir, "modified.txt")
	relocatedPath := filepath.Join(dir, "relocated.txt")
	missingPath := filepath.Join(dir, "missing.txt")

	for _, p := range []string{healthyPath, modifiedPath, relocatedPath, missingPath} {
		if err := os.WriteFile(p, []byte("content of "+filepath.Base(p)), 0o644); err != nil {
			t.Fatalf("Failed to write fixture: %v", err)
		}
	}

	var digests []string
	for _, p := range []string{healthyPath, modifiedPath, relocatedPath, missingPath} {
		digest, err := coord.IngestFile(ctx, p)
		if err != nil {
			t.Fatalf("IngestFile failed: %v", err)
		}
		digests = append(digests, digest)
	}

	// Tamper: change one file, remove one whose bytes the store still has,
	// and remove one from both disk and store.
	if err := os.WriteFile(modifiedPath, []byte("changed"), 0o644); err != nil {
		t.Fatalf("Failed to modify file: %v", err)
	}
	if err := os.Remove(relocatedPath); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	if err := os.Remove(missingPath); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	if err := coord.store.Remove(digests[3]); err != nil {
		t.Fatalf("Failed to remove stored blob: %v", err)
	}

	counts, err := coord.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	want := map[string]int{
		storage.HealthHealthy:   1,
		storage.HealthModified:  1,
		storage.HealthRelocated: 1,
		storage.HealthMissing:   1,
	}
	for health, n := range want {
		if counts[health] != n {
			t.Errorf("Expected %d %s, got %d (all: %v)", n, health, counts[health], counts)
		}
	}

	pres, err := db.GetPresence(ctx, "dev-1", digests[3])
	if err != nil {
		t.Fatalf("Failed to read presence: %v", err)
	}
	if pres.Present || pres.Health != storage.HealthMissing {
		t.Errorf("Expected missing recorded, got %+v", pres)
	}
}

func TestCoordinator_Stats(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		if _, err := coord.Ingest(ctx, strings.NewReader(body), body+".txt", "/"+body+".txt"); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}

	report, err := coord.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if report.TotalBlobs != 3 || report.Healthy != 3 {
		t.Errorf("Unexpected report: %+v", report)
	}
	if report.TotalSize != int64(len("one")+len("two")+len("three")) {
		t.Errorf("Unexpected total size: %d", report.TotalSize)
	}
}
