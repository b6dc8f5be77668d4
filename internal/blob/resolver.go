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
	"fmt"
	"path/filepath"

	"recallsync/internal/common"
)

// Resolution is the decided outcome for one duplicate group. DeletePaths
// lists the copies excluded from coordination; the files themselves are
// never touched.
type Resolution struct {
	Digest      string
	KeepPath    string
	DeletePaths []string
}

// Session walks duplicate groups one at a time. Each group starts with its
// first file as the default keep; the user may override it before
// confirming. Finishing or cancelling resolves the remaining groups to
// their defaults.
type Session struct {
	coord    *Coordinator
	groups   []DuplicateGroup
	index    int
	selected map[string]string // digest -> chosen keep path
	done     bool
}

// NewSession starts a resolution session over the given groups.
func NewSession(coord *Coordinator, groups []DuplicateGroup) *Session {
	return &Session{
		coord:    coord,
		groups:   groups,
		selected: make(map[string]string),
	}
}

// Current returns the group awaiting a decision, or false when the session
// has walked past the last group.
func (s *Session) Current() (*DuplicateGroup, bool) {
	if s.done || s.index >= len(s.groups) {
		return nil, false
	}
	return &s.groups[s.index], true
}

// Select overrides the keep choice for the current group. The path must be
// one of the group's members.
func (s *Session) Select(path string) error {
	group, ok := s.Current()
	if !ok {
		return fmt.Errorf("no group awaiting resolution: %w", common.ErrInvalidInput)
	}
	for _, f := range group.Files {
		if f.Path == path {
			s.selected[group.Digest] = path
			return nil
		}
	}
	return fmt.Errorf("path %q is not part of group %s: %w", path, group.Digest, common.ErrInvalidInput)
}

// Confirm locks in the current group's choice and advances to the next.
func (s *Session) Confirm() error {
	group, ok := s.Current()
	if !ok {
		return fmt.Errorf("no group awaiting resolution: %w", common.ErrInvalidInput)
	}
	if _, chosen := s.selected[group.Digest]; !chosen {
		s.selected[group.Digest] = group.Files[0].Path
	}
	s.index++
	return nil
}

// Finish submits every decision. Groups never reached keep their default.
func (s *Session) Finish(ctx context.Context) ([]Resolution, error) {
	return s.submit(ctx)
}

// Cancel abandons the walk: all remaining groups fall back to defaults and
// the session is submitted as-is.
func (s *Session) Cancel(ctx context.Context) ([]Resolution, error) {
	return s.submit(ctx)
}

// submit applies every resolution through the coordinator. Idempotent: the
// metadata writes are upserts, so resubmitting a session is harmless.
func (s *Session) submit(ctx context.Context) ([]Resolution, error) {
	if s.done {
		return nil, fmt.Errorf("session already submitted: %w", common.ErrInvalidInput)
	}
	s.done = true

	resolutions := make([]Resolution, 0, len(s.groups))
	for _, group := range s.groups {
		keep, ok := s.selected[group.Digest]
		if !ok {
			keep = group.Files[0].Path
		}
		deletePaths := make([]string, 0, len(group.Files)-1)
		for _, f := range group.Files {
			if f.Path != keep {
				deletePaths = append(deletePaths, f.Path)
			}
		}
		res := Resolution{Digest: group.Digest, KeepPath: keep, DeletePaths: deletePaths}

		if err := s.apply(ctx, res); err != nil {
			return nil, err
		}
		resolutions = append(resolutions, res)
	}
	return resolutions, nil
}

// apply records the kept copy as this device's presence for the digest.
// Excluded copies simply never enter coordination.
func (s *Session) apply(ctx context.Context, res Resolution) error {
	if _, err := s.coord.db.GetBlobMeta(ctx, res.Digest); err != nil {
		digest, size, hashErr := HashFile(res.KeepPath)
		if hashErr != nil {
			return hashErr
		}
		if digest != res.Digest {
			return fmt.Errorf("kept file no longer matches digest %s: %w", res.Digest, common.ErrManualReview)
		}
		if err := s.coord.CreateBlobMeta(ctx, res.Digest, size, GuessMime(res.KeepPath), filepath.Base(res.KeepPath)); err != nil {
			return err
		}
	}
	return s.coord.MarkAvailable(ctx, res.Digest, res.KeepPath)
}
