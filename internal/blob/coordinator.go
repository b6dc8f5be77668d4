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
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"recallsync/internal/storage"
)

// Coordinator owns the metadata side of blob handling: which digests exist
// globally (BlobMeta) and which devices hold usable copies (DevicePresence).
// BlobMeta is always written before presence; the storage layer enforces
// the same order with a foreign key.
type Coordinator struct {
	db       *storage.BunDB
	store    *ContentStore
	deviceID string
	ownerID  string
	log      *logrus.Entry
}

// NewCoordinator creates a Coordinator for one device.
func NewCoordinator(db *storage.BunDB, store *ContentStore, deviceID, ownerID string) *Coordinator {
	return &Coordinator{
		db:       db,
		store:    store,
		deviceID: deviceID,
		ownerID:  ownerID,
		log:      logrus.WithField("component", "blob"),
	}
}

// BackfillReport summarizes one backfill run.
type BackfillReport struct {
	Total  int
	Synced int
	Failed int
}

// CreateBlobMeta registers the global metadata row for a digest. Calling
// it again for the same digest updates the descriptive fields only.
func (c *Coordinator) CreateBlobMeta(ctx context.Context, digest string, size int64, mimeType, filename string) error {
	return c.db.UpsertBlobMeta(ctx, &storage.BlobMetaModel{
		Digest:    digest,
		Size:      size,
		Mime:      mimeType,
		Filename:  filename,
		OwnerID:   c.ownerID,
		CreatedAt: time.Now().Unix(),
	})
}

// MarkAvailable records that this device holds a healthy copy of a digest
// at localPath. Fails with ErrMissingBlobMeta when the metadata row does
// not exist yet.
func (c *Coordinator) MarkAvailable(ctx context.Context, digest, localPath string) error {
	return c.db.UpsertPresence(ctx, &storage.PresenceModel{
		DeviceID:  c.deviceID,
		Digest:    digest,
		Present:   true,
		LocalPath: localPath,
		Health:    storage.HealthHealthy,
		UpdatedAt: time.Now().Unix(),
	})
}

// Ingest stores content, registers its metadata, and marks it available on
// this device. The returned digest identifies the blob from here on.
func (c *Coordinator) Ingest(ctx context.Context, r io.Reader, filename, localPath string) (string, error) {
	digest, size, err := c.store.Put(r)
	if err != nil {
		return "", err
	}
	if err := c.CreateBlobMeta(ctx, digest, size, GuessMime(filename), filename); err != nil {
		return "", err
	}
	if err := c.MarkAvailable(ctx, digest, localPath); err != nil {
		return "", err
	}
	return digest, nil
}

// IngestFile ingests a file from the local disk.
func (c *Coordinator) IngestFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return c.Ingest(ctx, f, filepath.Base(path), path)
}

// Backfill reconciles the content store with the catalog: every stored
// digest gets a metadata row and a presence row for this device. Rows that
// fail are counted and skipped so one bad blob never aborts the run.
func (c *Coordinator) Backfill(ctx context.Context) (*BackfillReport, error) {
	digests, err := c.store.List()
	if err != nil {
		return nil, err
	}

	report := &BackfillReport{Total: len(digests)}
	for _, digest := range digests {
		if err := c.backfillOne(ctx, digest); err != nil {
			c.log.WithError(err).WithField("digest", digest).Warn("Backfill failed for blob")
			report.Failed++
			continue
		}
		report.Synced++
	}
	c.log.WithFields(logrus.Fields{
		"total":  report.Total,
		"synced": report.Synced,
		"failed": report.Failed,
	}).Info("Backfill complete")
	return report, nil
}

func (c *Coordinator) backfillOne(ctx context.Context, digest string) error {
	info, err := c.store.Stat(digest)
	if err != nil {
		return err
	}
	if err := c.CreateBlobMeta(ctx, digest, info.Size(), "application/octet-stream", ""); err != nil {
		return err
	}
	return c.MarkAvailable(ctx, digest, "")
}

// DeleteBlob removes the presence rows and the metadata row for a digest.
// Row order mirrors the insert order in reverse. The stored bytes are left
// in place: physical deletion is PurgeBytes, a separate explicit call,
// never a side effect of dropping metadata.
func (c *Coordinator) DeleteBlob(ctx context.Context, digest string) error {
	return c.db.DeleteBlob(ctx, digest)
}

// PurgeBytes deletes the locally stored copy of a digest from the content
// store. Catalog rows and files in scanned folders are untouched. A digest
// with no local copy is a no-op.
func (c *Coordinator) PurgeBytes(digest string) error {
	if !c.store.Has(digest) {
		return nil
	}
	return c.store.Remove(digest)
}

// Rename updates the descriptive filename of a blob. The digest, and thus
// the stored bytes, are untouched.
func (c *Coordinator) Rename(ctx context.Context, digest, filename string) error {
	return c.db.UpdateBlobFilename(ctx, digest, filename)
}

// CheckHealth verifies every presence row for this device and records the
// observed condition. Verification only; nothing is repaired or moved.
//
//	healthy   - file exists at local_path and hashes to the digest
//	modified  - file exists but its content changed
//	relocated - file gone from local_path but the content store has a copy
//	missing   - no usable copy on this device
func (c *Coordinator) CheckHealth(ctx context.Context) (map[string]int, error) {
	rows, err := c.db.ListPresence(ctx, c.deviceID)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, row := range rows {
		health := c.verifyOne(row)
		counts[health]++
		if health == row.Health {
			continue
		}
		row.Health = health
		row.Present = health == storage.HealthHealthy || health == storage.HealthRelocated
		row.UpdatedAt = time.Now().Unix()
		if err := c.db.UpsertPresence(ctx, row); err != nil {
			return nil, err
		}
	}
	return counts, nil
}

func (c *Coordinator) verifyOne(row *storage.PresenceModel) string {
	if row.LocalPath == "" {
		if c.store.Has(row.Digest) {
			return storage.HealthHealthy
		}
		return storage.HealthMissing
	}

	digest, _, err := HashFile(row.LocalPath)
	if err != nil {
		if c.store.Has(row.Digest) {
			return storage.HealthRelocated
		}
		return storage.HealthMissing
	}
	if digest != row.Digest {
		return storage.HealthModified
	}
	return storage.HealthHealthy
}

// Stats returns the aggregate health report for this device.
func (c *Coordinator) Stats(ctx context.Context) (*storage.HealthReport, error) {
	return c.db.BlobStats(ctx, c.deviceID)
}
