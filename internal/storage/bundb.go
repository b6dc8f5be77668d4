package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"recallsync/internal/common"
	"recallsync/internal/util"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Local Write Path ---

// ApplyLocalWrite records a local mutation: the overlay entry (the reader's
// view) and the mutation record (the transmitter's view) are written in one
// transaction so neither can exist without the other. Never touches the
// network.
// Uses retry logic to handle transient "database is locked" errors when the
// flush worker and the write path contend for the catalog.
func (db *BunDB) ApplyLocalWrite(ctx context.Context, overlay *OverlayModel, mut *MutationModel) error {
	return util.Retry(ctx, func() error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			_, err := tx.NewInsert().
				Model(overlay).
				On("CONFLICT (entity_type, entity_id) DO UPDATE").
				Set("op = EXCLUDED.op").
				Set("payload = EXCLUDED.payload").
				Set("status = EXCLUDED.status").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx)
			if err != nil {
				return err
			}
			_, err = tx.NewInsert().Model(mut).Exec(ctx)
			return err
		})
	})
}

// --- Mutation Queue Operations ---

// SelectDueBatch returns up to limit pending mutation records in insertion
// order. seq is assigned by SQLite at enqueue time, so same-entity writes
// made within the same second still flush in the order they were made.
// Records in terminal error status are excluded.
func (db *BunDB) SelectDueBatch(ctx context.Context, limit int) ([]*MutationModel, error) {
	var models []*MutationModel
	err := db.NewSelect().
		Model(&models).
		Where("status = ?", StatusPending).
		Order("seq ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return models, nil
}

// GetMutation retrieves a mutation record by id.
func (db *BunDB) GetMutation(ctx context.Context, id string) (*MutationModel, error) {
	var model MutationModel
	err := db.NewSelect().Model(&model).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// MarkBatchSent marks every record in ids as sent (in-flight).
func (db *BunDB) MarkBatchSent(ctx context.Context, ids []string) error {
	return db.setBatchStatus(ctx, ids, StatusSent)
}

// MarkBatchConfirmed marks every record in ids as confirmed.
func (db *BunDB) MarkBatchConfirmed(ctx context.Context, ids []string) error {
	return db.setBatchStatus(ctx, ids, StatusConfirmed)
}

func (db *BunDB) setBatchStatus(ctx context.Context, ids []string, status string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.NewUpdate().
		Model((*MutationModel)(nil)).
		Set("status = ?", status).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return err
}

// RequeueBatch handles a failed batch: every record's retry count is
// incremented, and it goes back to pending unless the count has reached
// maxRetries, in which case it becomes terminal error.
func (db *BunDB) RequeueBatch(ctx context.Context, ids []string, maxRetries int, sendErr string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.NewUpdate().
		Model((*MutationModel)(nil)).
		Set("retry_count = retry_count + 1").
		Set("status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END", maxRetries, StatusError, StatusPending).
		Set("last_error = ?", sendErr).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return err
}

// ListMutationsByStatus returns mutation records in the given status,
// oldest first.
func (db *BunDB) ListMutationsByStatus(ctx context.Context, status string) ([]*MutationModel, error) {
	var models []*MutationModel
	err := db.NewSelect().
		Model(&models).
		Where("status = ?", status).
		Order("seq ASC").
		Scan(ctx)
	return models, err
}

// RequeueStaleSent returns in-flight records to pending. Run once at
// catalog open: a crash between marking a batch sent and recording its
// outcome strands the rows otherwise, since the due-batch select only sees
// pending. Resending is safe because the batch endpoint upserts by entity.
func (db *BunDB) RequeueStaleSent(ctx context.Context) (int64, error) {
	res, err := db.NewUpdate().
		Model((*MutationModel)(nil)).
		Set("status = ?", StatusPending).
		Where("status = ?", StatusSent).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.WithField("requeued", n).Warn("recovered in-flight mutations from a previous run")
	}
	return n, nil
}

// CountMutationsByStatus returns a status -> count map for the queue.
func (db *BunDB) CountMutationsByStatus(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string `bun:"status"`
		N      int    `bun:"n"`
	}
	err := db.NewSelect().
		Model((*MutationModel)(nil)).
		ColumnExpr("status, COUNT(*) AS n").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// DeleteConfirmedMutations removes confirmed records from the queue.
// Returns the number of rows deleted.
func (db *BunDB) DeleteConfirmedMutations(ctx context.Context) (int64, error) {
	res, err := db.NewDelete().
		Model((*MutationModel)(nil)).
		Where("status = ?", StatusConfirmed).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeErrorMutations removes terminal-error records created before the
// horizon. These are writes the server is known to have rejected or that
// exhausted retries; they must not grow the queue forever.
func (db *BunDB) PurgeErrorMutations(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.NewDelete().
		Model((*MutationModel)(nil)).
		Where("status = ?", StatusError).
		Where("created_at < ?", before.Unix()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Overlay Operations ---

// GetOverlay retrieves the overlay entry for one entity, or ErrNotFound.
func (db *BunDB) GetOverlay(ctx context.Context, entityType, entityID string) (*OverlayModel, error) {
	var model OverlayModel
	err := db.NewSelect().
		Model(&model).
		Where("entity_type = ?", entityType).
		Where("entity_id = ?", entityID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// ListOverlay returns all overlay entries for one entity type.
func (db *BunDB) ListOverlay(ctx context.Context, entityType string) ([]*OverlayModel, error) {
	var models []*OverlayModel
	err := db.NewSelect().
		Model(&models).
		Where("entity_type = ?", entityType).
		Order("local_id ASC").
		Scan(ctx)
	return models, err
}

// ListAllOverlay returns every overlay entry, for reconciliation.
func (db *BunDB) ListAllOverlay(ctx context.Context) ([]*OverlayModel, error) {
	var models []*OverlayModel
	err := db.NewSelect().
		Model(&models).
		Order("local_id ASC").
		Scan(ctx)
	return models, err
}

// DeleteOverlayByLocalID retires one overlay entry.
func (db *BunDB) DeleteOverlayByLocalID(ctx context.Context, localID int64) error {
	_, err := db.NewDelete().
		Model((*OverlayModel)(nil)).
		Where("local_id = ?", localID).
		Exec(ctx)
	return err
}

// MarkOverlayError flags the overlay entry for an entity whose mutation
// exhausted its retries, making it eligible for the expiry sweep.
func (db *BunDB) MarkOverlayError(ctx context.Context, entityType, entityID string) error {
	_, err := db.NewUpdate().
		Model((*OverlayModel)(nil)).
		Set("status = ?", StatusError).
		Set("updated_at = ?", time.Now().Unix()).
		Where("entity_type = ?", entityType).
		Where("entity_id = ?", entityID).
		Exec(ctx)
	return err
}

// PurgeExpiredOverlayErrors deletes error-status overlay entries older than
// the horizon, regardless of snapshot content.
func (db *BunDB) PurgeExpiredOverlayErrors(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.NewDelete().
		Model((*OverlayModel)(nil)).
		Where("status = ?", StatusError).
		Where("updated_at < ?", before.Unix()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.WithField("purged", n).Info("expired overlay error entries")
	}
	return n, err
}

// --- Snapshot Operations ---

// ReplaceSnapshot replaces all snapshot rows for one entity type in a single
// transaction, so readers never observe a half-replaced snapshot. The
// overlay is untouched: pending writes survive wholesale snapshot swaps.
func (db *BunDB) ReplaceSnapshot(ctx context.Context, entityType string, rows []*SnapshotRowModel) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*SnapshotRowModel)(nil)).
			Where("entity_type = ?", entityType).
			Exec(ctx); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
}

// GetSnapshotRow retrieves one authoritative row, or ErrNotFound.
func (db *BunDB) GetSnapshotRow(ctx context.Context, entityType, entityID string) (*SnapshotRowModel, error) {
	var model SnapshotRowModel
	err := db.NewSelect().
		Model(&model).
		Where("entity_type = ?", entityType).
		Where("entity_id = ?", entityID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// ListSnapshot returns all authoritative rows for one entity type.
func (db *BunDB) ListSnapshot(ctx context.Context, entityType string) ([]*SnapshotRowModel, error) {
	var models []*SnapshotRowModel
	err := db.NewSelect().
		Model(&models).
		Where("entity_type = ?", entityType).
		Order("entity_id ASC").
		Scan(ctx)
	return models, err
}

// SnapshotIDSet returns the set of entity ids present in the snapshot for
// one entity type. Used by reconciliation to decide retirement.
func (db *BunDB) SnapshotIDSet(ctx context.Context, entityType string) (map[string]struct{}, error) {
	var ids []string
	err := db.NewSelect().
		Model((*SnapshotRowModel)(nil)).
		Column("entity_id").
		Where("entity_type = ?", entityType).
		Scan(ctx, &ids)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// --- Blob Metadata Operations ---

// UpsertBlobMeta registers blob metadata, idempotent by digest.
// Re-registering the same digest updates descriptive fields but never
// creates a second row for the same content.
func (db *BunDB) UpsertBlobMeta(ctx context.Context, model *BlobMetaModel) error {
	if !common.ValidDigest(model.Digest) {
		return fmt.Errorf("upsert blob %q: %w", model.Digest, common.ErrInvalidDigest)
	}
	_, err := db.NewInsert().
		Model(model).
		On("CONFLICT (digest) DO UPDATE").
		Set("size = EXCLUDED.size").
		Set("mime = EXCLUDED.mime").
		Set("filename = EXCLUDED.filename").
		Exec(ctx)
	return err
}

// GetBlobMeta retrieves blob metadata by digest, or ErrNotFound.
func (db *BunDB) GetBlobMeta(ctx context.Context, digest string) (*BlobMetaModel, error) {
	var model BlobMetaModel
	err := db.NewSelect().Model(&model).Where("digest = ?", digest).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// ListBlobMeta returns all blob metadata rows, newest first.
func (db *BunDB) ListBlobMeta(ctx context.Context) ([]*BlobMetaModel, error) {
	var models []*BlobMetaModel
	err := db.NewSelect().
		Model(&models).
		Order("created_at DESC", "digest ASC").
		Scan(ctx)
	return models, err
}

// UpdateBlobFilename updates the display filename for a digest.
func (db *BunDB) UpdateBlobFilename(ctx context.Context, digest, filename string) error {
	res, err := db.NewUpdate().
		Model((*BlobMetaModel)(nil)).
		Set("filename = ?", filename).
		Where("digest = ?", digest).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// DeleteBlob removes the presence rows for a digest on every device, then
// the metadata row, in one transaction. The underlying bytes in any content
// store are untouched: physical deletion is a distinct, explicit operation.
func (db *BunDB) DeleteBlob(ctx context.Context, digest string) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*PresenceModel)(nil)).
			Where("digest = ?", digest).
			Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().
			Model((*BlobMetaModel)(nil)).
			Where("digest = ?", digest).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return common.ErrNotFound
		}
		return nil
	})
}

// --- Device Presence Operations ---

// UpsertPresence records that a device holds (or fails to hold) a copy of a
// digest. The blobs row must exist first; a missing row fails the upsert
// with ErrMissingBlobMeta rather than silently dropping it.
func (db *BunDB) UpsertPresence(ctx context.Context, model *PresenceModel) error {
	if _, err := db.GetBlobMeta(ctx, model.Digest); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("presence for %s: %w", model.Digest, common.ErrMissingBlobMeta)
		}
		return err
	}
	_, err := db.NewInsert().
		Model(model).
		On("CONFLICT (device_id, digest) DO UPDATE").
		Set("present = EXCLUDED.present").
		Set("local_path = EXCLUDED.local_path").
		Set("health = EXCLUDED.health").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// GetPresence retrieves one presence row, or ErrNotFound.
func (db *BunDB) GetPresence(ctx context.Context, deviceID, digest string) (*PresenceModel, error) {
	var model PresenceModel
	err := db.NewSelect().
		Model(&model).
		Where("device_id = ?", deviceID).
		Where("digest = ?", digest).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// ListPresence returns all presence rows for one device.
func (db *BunDB) ListPresence(ctx context.Context, deviceID string) ([]*PresenceModel, error) {
	var models []*PresenceModel
	err := db.NewSelect().
		Model(&models).
		Where("device_id = ?", deviceID).
		Order("digest ASC").
		Scan(ctx)
	return models, err
}

// HealthReport summarizes the blob catalog for one device.
type HealthReport struct {
	TotalBlobs int
	Healthy    int
	Missing    int
	Modified   int
	Relocated  int
	TotalSize  int64
}

// BlobStats returns catalog totals plus per-health presence counts for one
// device.
func (db *BunDB) BlobStats(ctx context.Context, deviceID string) (*HealthReport, error) {
	report := &HealthReport{}

	err := db.NewRaw(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM blobs`).
		Scan(ctx, &report.TotalBlobs, &report.TotalSize)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Health string `bun:"health"`
		N      int    `bun:"n"`
	}
	err = db.NewSelect().
		Model((*PresenceModel)(nil)).
		ColumnExpr("health, COUNT(*) AS n").
		Where("device_id = ?", deviceID).
		Group("health").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		switch r.Health {
		case HealthHealthy:
			report.Healthy = r.N
		case HealthMissing:
			report.Missing = r.N
		case HealthModified:
			report.Modified = r.N
		case HealthRelocated:
			report.Relocated = r.N
		}
	}
	return report, nil
}

// --- Folder Source Operations ---

// UpsertFolderSource inserts or updates a folder source. Default-flag
// exclusivity is enforced here, at write time: setting is_default clears
// the flag on every other source of the same device in the same
// transaction.
func (db *BunDB) UpsertFolderSource(ctx context.Context, model *FolderSourceModel) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if model.IsDefault {
			if _, err := tx.NewUpdate().
				Model((*FolderSourceModel)(nil)).
				Set("is_default = 0").
				Where("device_id = ?", model.DeviceID).
				Where("id != ?", model.ID).
				Exec(ctx); err != nil {
				return err
			}
		}
		_, err := tx.NewInsert().
			Model(model).
			On("CONFLICT (id) DO UPDATE").
			Set("status = EXCLUDED.status").
			Set("file_count = EXCLUDED.file_count").
			Set("max_depth = EXCLUDED.max_depth").
			Set("manual_override = EXCLUDED.manual_override").
			Set("is_default = EXCLUDED.is_default").
			Set("priority = EXCLUDED.priority").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
}

// GetFolderSource retrieves a folder source by id, or ErrNotFound.
func (db *BunDB) GetFolderSource(ctx context.Context, id string) (*FolderSourceModel, error) {
	var model FolderSourceModel
	err := db.NewSelect().Model(&model).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// GetFolderSourceByPath retrieves a folder source by (device, path).
func (db *BunDB) GetFolderSourceByPath(ctx context.Context, deviceID, path string) (*FolderSourceModel, error) {
	var model FolderSourceModel
	err := db.NewSelect().
		Model(&model).
		Where("device_id = ?", deviceID).
		Where("path = ?", path).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// ListFolderSources returns all folder sources for one device, by priority.
func (db *BunDB) ListFolderSources(ctx context.Context, deviceID string) ([]*FolderSourceModel, error) {
	var models []*FolderSourceModel
	err := db.NewSelect().
		Model(&models).
		Where("device_id = ?", deviceID).
		Order("priority DESC", "path ASC").
		Scan(ctx)
	return models, err
}

// SetFolderSourceStatus transitions a source's lifecycle status.
func (db *BunDB) SetFolderSourceStatus(ctx context.Context, id, status string) error {
	res, err := db.NewUpdate().
		Model((*FolderSourceModel)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().Unix()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// SetManualOverride sets or clears the manual-review gate on a source.
func (db *BunDB) SetManualOverride(ctx context.Context, id string, override bool) error {
	res, err := db.NewUpdate().
		Model((*FolderSourceModel)(nil)).
		Set("manual_override = ?", override).
		Set("updated_at = ?", time.Now().Unix()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// SetDefaultSource makes one source the device default, clearing the flag
// everywhere else in the same transaction.
func (db *BunDB) SetDefaultSource(ctx context.Context, deviceID, id string) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewUpdate().
			Model((*FolderSourceModel)(nil)).
			Set("is_default = 0").
			Where("device_id = ?", deviceID).
			Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewUpdate().
			Model((*FolderSourceModel)(nil)).
			Set("is_default = 1").
			Set("updated_at = ?", time.Now().Unix()).
			Where("id = ?", id).
			Where("device_id = ?", deviceID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return common.ErrNotFound
		}
		return nil
	})
}

// DeleteFolderSource removes a folder source.
func (db *BunDB) DeleteFolderSource(ctx context.Context, id string) error {
	_, err := db.NewDelete().
		Model((*FolderSourceModel)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}
