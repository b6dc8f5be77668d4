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

package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sirupsen/logrus"

	"recallsync/internal/cache"
	"recallsync/internal/common"
	"recallsync/internal/storage"
)

// IgnoreFile is the per-folder exclusion file, gitignore syntax.
const IgnoreFile = ".recallignore"

// ScanLimits bounds a folder scan. Folders breaching either limit are not
// auto-ingested.
type ScanLimits struct {
	MaxFiles int
	MaxDepth int
}

// DefaultScanLimits returns the standard bounds for unattended scans.
func DefaultScanLimits() ScanLimits {
	return ScanLimits{MaxFiles: 100, MaxDepth: 5}
}

// ScannedFile is one regular file found during a scan.
type ScannedFile struct {
	Path     string
	Filename string
	Digest   string
	Size     int64
}

// DuplicateGroup collects the files sharing one digest. IsExisting marks
// groups whose digest is already tracked in the catalog, so even a single
// new file forms a group.
type DuplicateGroup struct {
	Digest     string
	Files      []ScannedFile
	IsExisting bool
}

// ScanResult is the outcome of one bounded folder scan. When either breach
// flag is set the walk stopped early and Files is incomplete.
type ScanResult struct {
	Root               string
	Files              []ScannedFile
	FileCount          int
	MaxDepthObserved   int
	FileLimitBreached  bool
	DepthLimitBreached bool
	Duplicates         []DuplicateGroup
}

// Breached reports whether the scan hit either bound.
func (r *ScanResult) Breached() bool {
	return r.FileLimitBreached || r.DepthLimitBreached
}

// Scanner walks candidate folders and registers them as folder sources.
type Scanner struct {
	db       *storage.BunDB
	coord    *Coordinator
	deviceID string
	limits   ScanLimits
	metas    *cache.MetaCache
	log      *logrus.Entry
}

// NewScanner creates a Scanner for one device.
func NewScanner(db *storage.BunDB, coord *Coordinator, deviceID string, limits ScanLimits) *Scanner {
	return &Scanner{
		db:       db,
		coord:    coord,
		deviceID: deviceID,
		limits:   limits,
		metas:    cache.NewMetaCache(30*time.Second, 4096),
		log:      logrus.WithField("component", "scanner"),
	}
}

// Scan walks root depth-first within the configured bounds. The walk stops
// the moment a bound is breached; an unreadable directory aborts the whole
// scan rather than yielding a partial view that looks complete.
func (s *Scanner) Scan(ctx context.Context, root string) (*ScanResult, error) {
	return s.scanWith(ctx, root, s.limits)
}

// scanWith runs a scan under explicit bounds. A zero or negative bound
// means unlimited.
func (s *Scanner) scanWith(ctx context.Context, root string, limits ScanLimits) (*ScanResult, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrScanAborted, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root is not a directory: %w", common.ErrInvalidInput)
	}

	matcher := loadIgnoreMatcher(root)
	result := &ScanResult{Root: root}
	visited := make(map[string]struct{})

	if err := s.walk(ctx, root, root, 0, limits, matcher, visited, result); err != nil && err != errLimitBreached {
		return nil, err
	}

	if err := s.groupDuplicates(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// errLimitBreached unwinds the walk without failing the scan.
var errLimitBreached = fmt.Errorf("scan limit breached")

func (s *Scanner) walk(ctx context.Context, root, dir string, depth int, limits ScanLimits, matcher *ignore.GitIgnore, visited map[string]struct{}, result *ScanResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Resolved-path visited set guards against symlink cycles.
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrScanAborted, err)
	}
	if _, seen := visited[resolved]; seen {
		return nil
	}
	visited[resolved] = struct{}{}

	if depth > result.MaxDepthObserved {
		result.MaxDepthObserved = depth
	}
	if limits.MaxDepth > 0 && depth > limits.MaxDepth {
		result.DepthLimitBreached = true
		return errLimitBreached
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrScanAborted, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if matcher != nil && matcher.MatchesPath(rel) {
			continue
		}

		if entry.IsDir() {
			if err := s.walk(ctx, root, path, depth+1, limits, matcher, visited, result); err != nil {
				return err
			}
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if entry.Name() == IgnoreFile {
			continue
		}

		result.FileCount++
		if limits.MaxFiles > 0 && result.FileCount > limits.MaxFiles {
			result.FileLimitBreached = true
			return errLimitBreached
		}

		digest, size, err := HashFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrScanAborted, err)
		}
		result.Files = append(result.Files, ScannedFile{
			Path:     path,
			Filename: entry.Name(),
			Digest:   digest,
			Size:     size,
		})
	}
	return nil
}

// groupDuplicates buckets scanned files by digest. A bucket is a duplicate
// group when it holds two or more files, or when the catalog already tracks
// the digest.
func (s *Scanner) groupDuplicates(ctx context.Context, result *ScanResult) error {
	byDigest := make(map[string][]ScannedFile)
	for _, f := range result.Files {
		byDigest[f.Digest] = append(byDigest[f.Digest], f)
	}

	digests := make([]string, 0, len(byDigest))
	for digest := range byDigest {
		digests = append(digests, digest)
	}
	sort.Strings(digests)

	for _, digest := range digests {
		files := byDigest[digest]
		existing, err := s.digestTracked(ctx, digest)
		if err != nil {
			return err
		}
		if len(files) < 2 && !existing {
			continue
		}
		sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
		result.Duplicates = append(result.Duplicates, DuplicateGroup{
			Digest:     digest,
			Files:      files,
			IsExisting: existing,
		})
	}
	return nil
}

// digestTracked reports whether the catalog already has metadata for a
// digest, going through the lookup cache.
func (s *Scanner) digestTracked(ctx context.Context, digest string) (bool, error) {
	if meta, ok := s.metas.Get(digest); ok {
		return meta != nil, nil
	}
	meta, err := s.db.GetBlobMeta(ctx, digest)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			return false, err
		}
		s.metas.Set(digest, nil)
		return false, nil
	}
	s.metas.Set(digest, meta)
	return true, nil
}

// Register scans root and records it as a folder source. A scan within
// bounds ingests every file immediately; a breached scan records the source
// with manual_override set and ingests nothing, leaving the decision to the
// user.
func (s *Scanner) Register(ctx context.Context, root string, isDefault bool) (*storage.FolderSourceModel, *ScanResult, error) {
	result, err := s.Scan(ctx, root)
	if err != nil {
		return nil, nil, err
	}

	source, err := s.db.GetFolderSourceByPath(ctx, s.deviceID, result.Root)
	if err != nil {
		source = &storage.FolderSourceModel{
			ID:       uuid.NewString(),
			DeviceID: s.deviceID,
			Path:     result.Root,
		}
	}
	source.FileCount = int64(result.FileCount)
	source.MaxDepth = int64(result.MaxDepthObserved)
	source.IsDefault = isDefault
	source.UpdatedAt = time.Now().Unix()

	if result.Breached() {
		source.Status = storage.SourceDisabled
		source.ManualOverride = true
		if err := s.db.UpsertFolderSource(ctx, source); err != nil {
			return nil, nil, err
		}
		s.log.WithFields(logrus.Fields{
			"path":  result.Root,
			"files": result.FileCount,
			"depth": result.MaxDepthObserved,
		}).Warn("Folder exceeds scan limits, manual approval required")
		return source, result, nil
	}

	source.Status = storage.SourceScanning
	source.ManualOverride = false
	if err := s.db.UpsertFolderSource(ctx, source); err != nil {
		return nil, nil, err
	}

	if err := s.ingest(ctx, source, result); err != nil {
		return nil, nil, err
	}
	return source, result, nil
}

// ManualSync re-scans an approved source without bounds and ingests it.
// It is the explicit user action that clears a manual override.
func (s *Scanner) ManualSync(ctx context.Context, sourceID string) (*ScanResult, error) {
	model, err := s.db.GetFolderSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	result, err := s.scanWith(ctx, model.Path, ScanLimits{})
	if err != nil {
		_ = s.db.SetFolderSourceStatus(ctx, sourceID, storage.SourceError)
		return nil, err
	}

	model.FileCount = int64(result.FileCount)
	model.MaxDepth = int64(result.MaxDepthObserved)
	model.ManualOverride = false
	model.Status = storage.SourceScanning
	model.UpdatedAt = time.Now().Unix()
	if err := s.db.UpsertFolderSource(ctx, model); err != nil {
		return nil, err
	}

	if err := s.ingest(ctx, model, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ingest registers every scanned file with the coordinator and settles the
// source into idle.
func (s *Scanner) ingest(ctx context.Context, source *storage.FolderSourceModel, result *ScanResult) error {
	defer s.metas.Invalidate()
	for _, f := range result.Files {
		if _, err := s.coord.IngestFile(ctx, f.Path); err != nil {
			_ = s.db.SetFolderSourceStatus(ctx, source.ID, storage.SourceError)
			return err
		}
	}
	if err := s.db.SetFolderSourceStatus(ctx, source.ID, storage.SourceIdle); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"path":  source.Path,
		"files": len(result.Files),
	}).Info("Folder source ingested")
	return nil
}

// loadIgnoreMatcher compiles the root-level ignore file, if present.
func loadIgnoreMatcher(root string) *ignore.GitIgnore {
	data, err := os.ReadFile(filepath.Join(root, IgnoreFile))
	if err != nil {
		return nil
	}
	return ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
}
