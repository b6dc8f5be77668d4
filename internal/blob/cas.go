// Copyright 2025 RecallSync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blob implements content-addressed storage and the coordination
// layer above it: per-digest metadata, per-device presence, folder
// scanning, and duplicate resolution.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"recallsync/internal/common"
)

// ContentStore is a content-addressed blob store on a billy filesystem.
// Blobs are keyed by lowercase sha256 hex and sharded into directories by
// the first two digest characters, so no single directory grows unbounded.
type ContentStore struct {
	fs billy.Filesystem
}

// NewContentStore creates a ContentStore over fs.
func NewContentStore(fs billy.Filesystem) *ContentStore {
	return &ContentStore{fs: fs}
}

// NewOSContentStore creates a ContentStore rooted at dir on the local disk.
func NewOSContentStore(dir string) *ContentStore {
	return NewContentStore(osfs.New(dir))
}

// shardPath returns the sharded relative path for a digest, e.g.
// "ab/ab12...".
func shardPath(digest string) string {
	return filepath.Join(digest[:2], digest)
}

// Put stores content and returns its digest and size. Writing an already
// stored digest is a no-op; content addressing makes it byte-identical.
func (s *ContentStore) Put(r io.Reader) (string, int64, error) {
	tmp, err := s.fs.TempFile("", "ingest-")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	dest := shardPath(digest)

	if _, statErr := s.fs.Stat(dest); statErr == nil {
		_ = s.fs.Remove(tmpName)
		return digest, size, nil
	}
	if err := s.fs.MkdirAll(digest[:2], 0o755); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to create shard dir: %w", err)
	}
	if err := s.fs.Rename(tmpName, dest); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to place blob: %w", err)
	}
	return digest, size, nil
}

// Get opens the stored content for a digest.
func (s *ContentStore) Get(digest string) (billy.File, error) {
	if !common.ValidDigest(digest) {
		return nil, common.ErrInvalidDigest
	}
	f, err := s.fs.Open(shardPath(digest))
	if os.IsNotExist(err) {
		return nil, common.ErrNotFound
	}
	return f, err
}

// Stat returns file info for a stored digest, or ErrNotFound.
func (s *ContentStore) Stat(digest string) (os.FileInfo, error) {
	if !common.ValidDigest(digest) {
		return nil, common.ErrInvalidDigest
	}
	info, err := s.fs.Stat(shardPath(digest))
	if os.IsNotExist(err) {
		return nil, common.ErrNotFound
	}
	return info, err
}

// Has reports whether a digest is stored.
func (s *ContentStore) Has(digest string) bool {
	_, err := s.Stat(digest)
	return err == nil
}

// Remove deletes the stored content for a digest. The shard directory is
// left in place.
func (s *ContentStore) Remove(digest string) error {
	if !common.ValidDigest(digest) {
		return common.ErrInvalidDigest
	}
	err := s.fs.Remove(shardPath(digest))
	if os.IsNotExist(err) {
		return common.ErrNotFound
	}
	return err
}

// List walks the shard directories and returns every digest whose filename
// is a valid digest. Stray files are ignored rather than treated as
// corruption.
func (s *ContentStore) List() ([]string, error) {
	shards, err := s.fs.ReadDir(".")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var digests []string
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := s.fs.ReadDir(shard.Name())
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !common.ValidDigest(name) {
				continue
			}
			if name[:2] != shard.Name() {
				continue
			}
			digests = append(digests, name)
		}
	}
	return digests, nil
}

// Verify recomputes the digest of stored content and reports whether it
// still matches.
func (s *ContentStore) Verify(digest string) (bool, error) {
	f, err := s.Get(digest)
	if err != nil {
		return false, err
	}
	defer f.Close()

	actual, _, err := HashReader(f)
	if err != nil {
		return false, err
	}
	return actual == digest, nil
}

// HashReader computes the sha256 hex digest and byte count of r.
func HashReader(r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	size, err := io.Copy(hasher, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// HashFile computes the sha256 hex digest and size of a file on the local
// disk.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return HashReader(f)
}

// GuessMime maps a filename extension to a MIME type, falling back to
// application/octet-stream.
func GuessMime(filename string) string {
	if mt := mime.TypeByExtension(filepath.Ext(filename)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
