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

package storage

import (
	"github.com/uptrace/bun"
)

// Bun ORM models for the catalog tables. Times are stored as Unix
// timestamps.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// MutationModel represents the mutation_queue table. Seq is assigned by
// SQLite on insert and fixes the flush order for same-second writes.
type MutationModel struct {
	bun.BaseModel `bun:"table:mutation_queue"`

	Seq         int64  `bun:"seq,pk,autoincrement"`
	ID          string `bun:"id,notnull,unique"`
	TargetTable string `bun:"target_table,notnull"`
	EntityID    string `bun:"entity_id,notnull"`
	Op          string `bun:"op,notnull"`
	Payload     string `bun:"payload,notnull"`
	CreatedAt   int64  `bun:"created_at,notnull"`
	Status      string `bun:"status,notnull"`
	RetryCount  int64  `bun:"retry_count,notnull"`
	LastError   string `bun:"last_error,nullzero"`
}

// OverlayModel represents the overlay_entries table
type OverlayModel struct {
	bun.BaseModel `bun:"table:overlay_entries"`

	LocalID    int64  `bun:"local_id,pk,autoincrement"`
	EntityType string `bun:"entity_type,notnull"`
	EntityID   string `bun:"entity_id,notnull"`
	Op         string `bun:"op,notnull"`
	Payload    string `bun:"payload,notnull"`
	Status     string `bun:"status,notnull"`
	UpdatedAt  int64  `bun:"updated_at,notnull"`
}

// SnapshotRowModel represents the snapshot_rows table
type SnapshotRowModel struct {
	bun.BaseModel `bun:"table:snapshot_rows"`

	EntityType string `bun:"entity_type,pk"`
	EntityID   string `bun:"entity_id,pk"`
	Payload    string `bun:"payload,notnull"`
	PulledAt   int64  `bun:"pulled_at,notnull"`
}

// BlobMetaModel represents the blobs table
type BlobMetaModel struct {
	bun.BaseModel `bun:"table:blobs"`

	Digest    string `bun:"digest,pk"`
	Size      int64  `bun:"size,notnull"`
	Mime      string `bun:"mime,notnull"`
	Filename  string `bun:"filename,nullzero"`
	OwnerID   string `bun:"owner_id,nullzero"`
	CreatedAt int64  `bun:"created_at,notnull"`
}

// PresenceModel represents the device_presence table
type PresenceModel struct {
	bun.BaseModel `bun:"table:device_presence"`

	DeviceID  string `bun:"device_id,pk"`
	Digest    string `bun:"digest,pk"`
	Present   bool   `bun:"present,notnull"`
	LocalPath string `bun:"local_path,nullzero"`
	Health    string `bun:"health,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"`
}

// FolderSourceModel represents the folder_sources table
type FolderSourceModel struct {
	bun.BaseModel `bun:"table:folder_sources"`

	ID             string `bun:"id,pk"`
	DeviceID       string `bun:"device_id,notnull"`
	Path           string `bun:"path,notnull"`
	Status         string `bun:"status,notnull"`
	FileCount      int64  `bun:"file_count,notnull"`
	MaxDepth       int64  `bun:"max_depth,notnull"`
	ManualOverride bool   `bun:"manual_override,notnull"`
	IsDefault      bool   `bun:"is_default,notnull"`
	Priority       int64  `bun:"priority,notnull"`
	UpdatedAt      int64  `bun:"updated_at,notnull"`
}
