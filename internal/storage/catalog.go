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
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	_ "github.com/tursodatabase/go-libsql"

	"recallsync/internal/common"
)

// Catalog is the SQLite-backed device catalog: the durable home of the
// mutation queue, the overlay, the synced snapshot and the blob tables.
type Catalog struct {
	path  string
	db    *sql.DB
	bunDB *BunDB
	lock  *flock.Flock
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout MUST be set first — all subsequent PRAGMAs (especially
	// journal_mode=WAL which needs exclusive access) will wait for locks
	// instead of failing immediately with "database is locked".
	busyTimeout := GetBusyTimeout()
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	// WAL mode: the flush worker and reconciler read while the write path
	// inserts; WAL keeps readers off the writers' locks.
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	// synchronous=NORMAL: WAL mode with NORMAL sync is safe against process
	// crashes (only vulnerable to OS crash / power loss).
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}

	// Foreign keys: device_presence references blobs(digest); creation
	// order is load-bearing (blob meta before presence).
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return nil
}

// Open opens the device catalog at path, creating it if it doesn't exist.
// A file lock next to the catalog guards against two sync processes sharing
// one device catalog; Open fails with ErrLocked if another process holds it.
func Open(path string) (*Catalog, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire catalog lock: %w", err)
	}
	if !locked {
		return nil, common.ErrLocked
	}

	fresh := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fresh = true
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		lock.Unlock()
		if fresh {
			os.Remove(path)
		}
		return nil, err
	}

	// Create schema (execute statements individually for libsql compatibility)
	if err := execStatements(db, catalogSchema); err != nil {
		db.Close()
		lock.Unlock()
		if fresh {
			os.Remove(path)
		}
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if err := execStatements(db, initCatalog, SchemaVersion); err != nil {
		db.Close()
		lock.Unlock()
		if fresh {
			os.Remove(path)
		}
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	cat := &Catalog{
		path:  path,
		db:    db,
		bunDB: NewBunDB(db),
		lock:  lock,
	}

	// Recover mutations a previous process marked sent but never resolved.
	// Without this a crash mid-flush strands them: the due-batch select only
	// picks up pending rows.
	if _, err := cat.bunDB.RequeueStaleSent(context.Background()); err != nil {
		cat.Close()
		return nil, fmt.Errorf("failed to recover mutation queue: %w", err)
	}

	return cat, nil
}

// Close closes the catalog and releases the process lock.
func (c *Catalog) Close() error {
	var firstErr error
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			firstErr = err
		}
		c.db = nil
	}
	if c.lock != nil {
		if err := c.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.lock = nil
	}
	return firstErr
}

// Path returns the catalog file path.
func (c *Catalog) Path() string {
	return c.path
}

// DB returns the underlying *sql.DB.
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// Bun returns the typed query layer.
func (c *Catalog) Bun() *BunDB {
	return c.bunDB
}
