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

// Package overlay presents the merged local view of each entity type: the
// read-only synced snapshot with pending local mutations layered on top.
// Snapshot and overlay are two physically separate tables with an explicit
// merge-on-read, so a fresh snapshot pull can replace the authoritative
// rows wholesale without touching pending writes.
package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recallsync/internal/common"
	"recallsync/internal/storage"
)

// Row is one entity in the merged view. Pending is true when the payload
// comes from a not-yet-confirmed local write rather than the snapshot.
type Row struct {
	EntityID string
	Payload  string
	Pending  bool
}

// Store is the application-facing read/write surface over one catalog.
type Store struct {
	db *storage.BunDB
}

// NewStore creates a Store over the catalog's query layer.
func NewStore(db *storage.BunDB) *Store {
	return &Store{db: db}
}

// validatePayload rejects malformed payloads at the write boundary, before
// anything enters the buffer.
func validatePayload(entityID string, payload []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", common.ErrInvalidInput)
	}
	if id, _ := doc["id"].(string); id != entityID {
		return fmt.Errorf("payload id %q does not match entity id %q: %w", doc["id"], entityID, common.ErrInvalidInput)
	}
	return nil
}

// Put records a local insert-or-update of an entity. The overlay entry and
// the queued mutation are written in one catalog transaction; the call
// blocks only on local storage, never on the network. The write is visible
// to readers immediately, before confirmation.
func (s *Store) Put(ctx context.Context, entityType, entityID string, payload []byte) error {
	if entityType == "" || entityID == "" {
		return fmt.Errorf("put: %w", common.ErrInvalidInput)
	}
	if err := validatePayload(entityID, payload); err != nil {
		return err
	}

	op := storage.OpInsert
	if _, err := s.db.GetSnapshotRow(ctx, entityType, entityID); err == nil {
		op = storage.OpUpdate
	}

	now := time.Now()
	ov := &storage.OverlayModel{
		EntityType: entityType,
		EntityID:   entityID,
		Op:         op,
		Payload:    string(payload),
		Status:     storage.StatusPending,
		UpdatedAt:  now.Unix(),
	}
	mut := &storage.MutationModel{
		ID:          uuid.NewString(),
		TargetTable: entityType,
		EntityID:    entityID,
		Op:          op,
		Payload:     string(payload),
		CreatedAt:   now.Unix(),
		Status:      storage.StatusPending,
	}
	return s.db.ApplyLocalWrite(ctx, ov, mut)
}

// Delete records a local delete of an entity. The entity disappears from
// the merged view immediately; the overlay entry is retired once a
// snapshot pull confirms the id is gone upstream.
func (s *Store) Delete(ctx context.Context, entityType, entityID string) error {
	if entityType == "" || entityID == "" {
		return fmt.Errorf("delete: %w", common.ErrInvalidInput)
	}

	now := time.Now()
	payload := fmt.Sprintf(`{"id":%q}`, entityID)
	ov := &storage.OverlayModel{
		EntityType: entityType,
		EntityID:   entityID,
		Op:         storage.OpDelete,
		Payload:    payload,
		Status:     storage.StatusPending,
		UpdatedAt:  now.Unix(),
	}
	mut := &storage.MutationModel{
		ID:          uuid.NewString(),
		TargetTable: entityType,
		EntityID:    entityID,
		Op:          storage.OpDelete,
		Payload:     payload,
		CreatedAt:   now.Unix(),
		Status:      storage.StatusPending,
	}
	return s.db.ApplyLocalWrite(ctx, ov, mut)
}

// Get returns the merged view of one entity: a pending local edit wins
// over the snapshot row; a pending delete hides it entirely.
func (s *Store) Get(ctx context.Context, entityType, entityID string) (*Row, error) {
	ov, err := s.db.GetOverlay(ctx, entityType, entityID)
	if err == nil {
		if ov.Op == storage.OpDelete {
			return nil, common.ErrNotFound
		}
		return &Row{EntityID: entityID, Payload: ov.Payload, Pending: true}, nil
	}

	snap, err := s.db.GetSnapshotRow(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return &Row{EntityID: entityID, Payload: snap.Payload}, nil
}

// List returns the merged view of one entity type. Local pending edits take
// precedence for display; pending deletes hide their snapshot rows; pending
// inserts appear even though the snapshot hasn't caught up yet.
func (s *Store) List(ctx context.Context, entityType string) ([]*Row, error) {
	snaps, err := s.db.ListSnapshot(ctx, entityType)
	if err != nil {
		return nil, err
	}
	overlays, err := s.db.ListOverlay(ctx, entityType)
	if err != nil {
		return nil, err
	}

	pending := make(map[string]*storage.OverlayModel, len(overlays))
	for _, ov := range overlays {
		pending[ov.EntityID] = ov
	}

	rows := make([]*Row, 0, len(snaps)+len(overlays))
	for _, snap := range snaps {
		ov, ok := pending[snap.EntityID]
		if !ok {
			rows = append(rows, &Row{EntityID: snap.EntityID, Payload: snap.Payload})
			continue
		}
		delete(pending, snap.EntityID)
		if ov.Op == storage.OpDelete {
			continue
		}
		rows = append(rows, &Row{EntityID: snap.EntityID, Payload: ov.Payload, Pending: true})
	}

	// Remaining overlay entries are local inserts not yet visible upstream.
	for _, ov := range overlays {
		if _, ok := pending[ov.EntityID]; !ok {
			continue
		}
		if ov.Op == storage.OpDelete {
			continue
		}
		rows = append(rows, &Row{EntityID: ov.EntityID, Payload: ov.Payload, Pending: true})
	}

	return rows, nil
}
