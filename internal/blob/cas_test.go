package blob

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"recallsync/internal/common"
)

func TestContentStore_PutGetRoundTrip(t *testing.T) {
	store := NewContentStore(memfs.New())

	content := []byte("hello recallsync")
	digest, size, err := store.Put(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("Expected size %d, got %d", len(content), size)
	}
	if !common.ValidDigest(digest) {
		t.Errorf("Put returned invalid digest: %q", digest)
	}

	f, err := store.Get(digest)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("Failed to read blob: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Content mismatch: %q", got)
	}
}

func TestContentStore_ShardLayout(t *testing.T) {
	fs := memfs.New()
	store := NewContentStore(fs)

	digest, _, err := store.Put(strings.NewReader("sharded"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The blob must live under a two-character shard directory.
	if _, err := fs.Stat(digest[:2] + "/" + digest); err != nil {
		t.Errorf("Blob not at sharded path: %v", err)
	}
}

func TestContentStore_PutIdempotent(t *testing.T) {
	store := NewContentStore(memfs.New())

	d1, _, err := store.Put(strings.NewReader("same bytes"))
	if err != nil {
		t.Fatalf("First put failed: %v", err)
	}
	d2, _, err := store.Put(strings.NewReader("same bytes"))
	if err != nil {
		t.Fatalf("Second put failed: %v", err)
	}
	if d1 != d2 {
		t.Errorf("Same content produced different digests: %s vs %s", d1, d2)
	}

	digests, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(digests) != 1 {
		t.Errorf("Expected 1 stored blob, got %d", len(digests))
	}
}

func TestContentStore_GetMissing(t *testing.T) {
	store := NewContentStore(memfs.New())

	_, err := store.Get(strings.Repeat("a", 64))
	if !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	_, err = store.Get("not-a-digest")
	if !errors.Is(err, common.ErrInvalidDigest) {
		t.Errorf("Expected ErrInvalidDigest, got %v", err)
	}
}

func TestContentStore_ListSkipsStrayFiles(t *testing.T) {
	fs := memfs.New()
	store := NewContentStore(fs)

	digest, _, err := store.Put(strings.NewReader("real blob"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// Stray files that are not digest-named must be ignored.
	if err := util.WriteFile(fs, "ab/notes.txt", []byte("junk"), 0o644); err != nil {
		t.Fatalf("Failed to plant stray file: %v", err)
	}
	if err := util.WriteFile(fs, "README", []byte("junk"), 0o644); err != nil {
		t.Fatalf("Failed to plant stray file: %v", err)
	}

	digests, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(digests) != 1 || digests[0] != digest {
		t.Errorf("Expected only the real blob, got %v", digests)
	}
}

func TestContentStore_VerifyDetectsCorruption(t *testing.T) {
	fs := memfs.New()
	store := NewContentStore(fs)

	digest, _, err := store.Put(strings.NewReader("pristine"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ok, err := store.Verify(digest)
	if err != nil || !ok {
		t.Fatalf("Expected clean verify, got ok=%v err=%v", ok, err)
	}

	if err := util.WriteFile(fs, digest[:2]+"/"+digest, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("Failed to tamper with blob: %v", err)
	}
	ok, err = store.Verify(digest)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Error("Verify missed tampered content")
	}
}

func TestGuessMime(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"report.pdf", "application/pdf"},
		{"archive.bin.unknownext", "application/octet-stream"},
		{"noextension", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := GuessMime(tt.filename); got != tt.want {
			t.Errorf("GuessMime(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}
