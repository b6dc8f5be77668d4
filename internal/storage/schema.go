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
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const SchemaVersion = "1"

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// EnvBusyTimeout overrides the SQLite busy_timeout for all catalog access.
const EnvBusyTimeout = "RECALLSYNC_BUSY_TIMEOUT"

// configBusyTimeout is set via SetConfigBusyTimeout after settings load.
var configBusyTimeout int

// SetConfigBusyTimeout sets the config-based busy_timeout value.
// A value of 0 is ignored (use env var or default).
func SetConfigBusyTimeout(timeout int) {
	configBusyTimeout = timeout
}

// GetBusyTimeout returns the busy_timeout value.
// Priority: env > config file > default.
func GetBusyTimeout() int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	if configBusyTimeout > 0 {
		return configBusyTimeout
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN for the catalog file
func BuildDSN(path string) string {
	return fmt.Sprintf("file:%s", path)
}

// Mutation operations
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Mutation record / overlay entry statuses
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusConfirmed = "confirmed"
	StatusError     = "error"
)

// Per-device blob health values
const (
	HealthHealthy   = "healthy"
	HealthMissing   = "missing"
	HealthModified  = "modified"
	HealthRelocated = "relocated"
)

// Folder source statuses
const (
	SourceIdle     = "idle"
	SourceScanning = "scanning"
	SourceSyncing  = "syncing"
	SourceDegraded = "degraded"
	SourceError    = "error"
	SourceDisabled = "disabled"
)

// Schema SQL for the device catalog
const catalogSchema = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Durable queue of not-yet-confirmed mutations (write buffer). seq is the
-- flush order: created_at has second granularity, so rapid edits to one
-- entity need the monotonic rowid to keep their write order.
CREATE TABLE IF NOT EXISTS mutation_queue (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    target_table TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    op TEXT NOT NULL CHECK (op IN ('insert', 'update', 'delete')),
    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'sent', 'confirmed', 'error')),
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT
);

-- Index for the flush worker's ordered due-batch select
CREATE INDEX IF NOT EXISTS idx_mutation_queue_due ON mutation_queue(status, seq);

-- Pending local edits layered over the synced snapshot
CREATE TABLE IF NOT EXISTS overlay_entries (
    local_id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    op TEXT NOT NULL CHECK (op IN ('insert', 'update', 'delete')),
    payload TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'sent', 'confirmed', 'error')),
    updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_overlay_entity ON overlay_entries(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_overlay_status ON overlay_entries(status, updated_at);

-- Authoritative rows replicated wholesale from the central store.
-- Never mutated by local writes; replaced per entity type on every pull.
CREATE TABLE IF NOT EXISTS snapshot_rows (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    pulled_at INTEGER NOT NULL,
    PRIMARY KEY (entity_type, entity_id)
);

-- Global blob metadata, one row per unique content digest
CREATE TABLE IF NOT EXISTS blobs (
    digest TEXT PRIMARY KEY,
    size INTEGER NOT NULL,
    mime TEXT NOT NULL,
    filename TEXT,
    owner_id TEXT,
    created_at INTEGER NOT NULL
);

-- Per-device presence/health rows; blobs row must exist first
CREATE TABLE IF NOT EXISTS device_presence (
    device_id TEXT NOT NULL,
    digest TEXT NOT NULL,
    present INTEGER NOT NULL DEFAULT 1,
    local_path TEXT,
    health TEXT NOT NULL DEFAULT 'healthy' CHECK (health IN ('healthy', 'missing', 'modified', 'relocated')),
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (device_id, digest),
    FOREIGN KEY (digest) REFERENCES blobs(digest)
);

CREATE INDEX IF NOT EXISTS idx_presence_digest ON device_presence(digest);

-- Watched folder roots and their scan/ingest state
CREATE TABLE IF NOT EXISTS folder_sources (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    path TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'idle' CHECK (status IN ('idle', 'scanning', 'syncing', 'degraded', 'error', 'disabled')),
    file_count INTEGER NOT NULL DEFAULT 0,
    max_depth INTEGER NOT NULL DEFAULT 0,
    manual_override INTEGER NOT NULL DEFAULT 0,
    is_default INTEGER NOT NULL DEFAULT 0,
    priority INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sources_device_path ON folder_sources(device_id, path);
CREATE INDEX IF NOT EXISTS idx_sources_default ON folder_sources(device_id, is_default);
`

const initCatalog = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', 'catalog');
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));
`

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
