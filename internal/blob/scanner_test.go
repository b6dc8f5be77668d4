package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"recallsync/internal/storage"
)

func newTestScanner(t *testing.T, limits ScanLimits) (*Scanner, *storage.BunDB, *ContentStore) {
	t.Helper()
	cat, err := storage.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	store := NewContentStore(memfs.New())
	coord := NewCoordinator(cat.Bun(), store, "dev-1", "owner-1")
	return NewScanner(cat.Bun(), coord, "dev-1", limits), cat.Bun(), store
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
}

func TestScanner_ScanWithinBounds(t *testing.T) {
	scanner, _, _ := newTestScanner(t, DefaultScanLimits())
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.txt":        "alpha",
		"sub/b.txt":    "beta",
		"sub/in/c.txt": "gamma",
	})

	result, err := scanner.Scan(context.Background(), dir)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if result.FileCount != 3 {
		t.Errorf("Expected 3 files, got %d", result.FileCount)
	}
	if result.Breached() {
		t.Errorf("Unexpected breach: %+v", result)
	}
	if result.MaxDepthObserved != 2 {
		t.Errorf("Expected max depth 2, got %d", result.MaxDepthObserved)
	}
	for _, f := range result.Files {
		if f.Digest == "" || f.Size == 0 {
			t.Errorf("File not hashed: %+v", f)
		}
	}
}

func TestScanner_FileLimitBreachStopsImmediately(t *testing.T) {
	scanner, _, _ := newTestScanner(t, ScanLimits{MaxFiles: 3, MaxDepth: 5})
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"1.txt": "1", "2.txt": "2", "3.txt": "3", "4.txt": "4", "5.txt": "5",
	})

	result, err := scanner.Scan(context.Background(), dir)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !result.FileLimitBreached {
		t.Error("Expected file limit breach")
	}
	// The counter stops right past the limit instead of tallying the rest.
	if result.FileCount != 4 {
		t.Errorf("Expected count to stop at 4, got %d", result.FileCount)
	}
}

func TestScanner_DepthLimitBreach(t *testing.T) {
	scanner, _, _ := newTestScanner(t, ScanLimits{MaxFiles: 100, MaxDepth: 2})
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a/b/c/deep.txt": "too deep",
	})

	result, err := scanner.Scan(context.Background(), dir)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !result.DepthLimitBreached {
		t.Error("Expected depth limit breach")
	}
}

func TestScanner_IgnoreFile(t *testing.T) {
	scanner, _, _ := newTestScanner(t, DefaultScanLimits())
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"keep.txt":      "keep",
		"skip.log":      "skip",
		"cache/tmp.txt": "skip",
		IgnoreFile:      "*.log\ncache/\n",
	})

	result, err := scanner.Scan(context.Background(), dir)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if result.FileCount != 1 {
		t.Errorf("Expected only keep.txt, got %d files: %+v", result.FileCount, result.Files)
	}
}

func TestScanner_SymlinkCycleDoesNotLoop(t *testing.T) {
	scanner, _, _ := newTestScanner(t, DefaultScanLimits())
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"sub/a.txt": "a"})
	if err := os.Symlink(dir, filepath.Join(dir, "sub", "loop")); err != nil {
		t.Skipf("Symlinks unavailable: %v", err)
	}

	result, err := scanner.Scan(context.Background(), dir)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if result.FileCount != 1 {
		t.Errorf("Expected 1 file despite cycle, got %d", result.FileCount)
	}
}

func TestScanner_DuplicateGrouping(t *testing.T) {
	scanner, _, _ := newTestScanner(t, DefaultScanLimits())
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"one.txt":      "same content",
		"copy/two.txt": "same content",
		"unique.txt":   "different",
	})

	result, err := scanner.Scan(context.Background(), dir)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(result.Duplicates) != 1 {
		t.Fatalf("Expected 1 duplicate group, got %d", len(result.Duplicates))
	}
	group := result.Duplicates[0]
	if len(group.Files) != 2 || group.IsExisting {
		t.Errorf("Unexpected group: %+v", group)
	}
	// The group carries the full file records from the scan.
	for _, f := range group.Files {
		if f.Filename != filepath.Base(f.Path) {
			t.Errorf("Expected filename %s, got %s", filepath.Base(f.Path), f.Filename)
		}
		if f.Size != int64(len("same content")) {
			t.Errorf("Expected size %d, got %d", len("same content"), f.Size)
		}
	}
}

func TestScanner_SingleCopyOfTrackedBlobIsDuplicate(t *testing.T) {
	scanner, _, _ := newTestScanner(t, DefaultScanLimits())
	ctx := context.Background()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"doc.txt": "tracked content"})

	// The catalog already knows this digest from an earlier ingest.
	if _, err := scanner.coord.Ingest(ctx, strings.NewReader("tracked content"), "doc.txt", "/elsewhere/doc.txt"); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	result, err := scanner.Scan(ctx, dir)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(result.Duplicates) != 1 || !result.Duplicates[0].IsExisting {
		t.Errorf("Expected existing-blob duplicate group, got %+v", result.Duplicates)
	}
}

func TestScanner_RegisterWithinBoundsIngests(t *testing.T) {
	scanner, db, store := newTestScanner(t, DefaultScanLimits())
	ctx := context.Background()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "alpha", "b.txt": "beta"})

	source, result, err := scanner.Register(ctx, dir, false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if source.Status != storage.SourceIdle {
		t.Errorf("Expected idle source, got %s", source.Status)
	}
	if source.ManualOverride {
		t.Error("Unexpected manual override")
	}

	for _, f := range result.Files {
		if !store.Has(f.Digest) {
			t.Errorf("File %s not ingested", f.Path)
		}
		if _, err := db.GetPresence(ctx, "dev-1", f.Digest); err != nil {
			t.Errorf("No presence for %s: %v", f.Path, err)
		}
	}
}

func TestScanner_RegisterBreachedRequiresApproval(t *testing.T) {
	scanner, db, store := newTestScanner(t, ScanLimits{MaxFiles: 1, MaxDepth: 5})
	ctx := context.Background()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "alpha", "b.txt": "beta"})

	source, _, err := scanner.Register(ctx, dir, false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if source.Status != storage.SourceDisabled || !source.ManualOverride {
		t.Errorf("Expected disabled source pending approval, got %+v", source)
	}

	// Nothing may have been ingested.
	digests, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(digests) != 0 {
		t.Errorf("Breached scan must not ingest, got %d blobs", len(digests))
	}

	// Manual sync is the explicit approval: it ingests and clears the flag.
	if _, err := scanner.ManualSync(ctx, source.ID); err != nil {
		t.Fatalf("ManualSync failed: %v", err)
	}
	updated, err := db.GetFolderSource(ctx, source.ID)
	if err != nil {
		t.Fatalf("Failed to reload source: %v", err)
	}
	if updated.ManualOverride || updated.Status != storage.SourceIdle {
		t.Errorf("Expected approved idle source, got %+v", updated)
	}
	digests, err = store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(digests) != 2 {
		t.Errorf("Expected 2 ingested blobs after manual sync, got %d", len(digests))
	}
}
