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

package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"recallsync/internal/overlay"
	"recallsync/internal/storage"
)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// FlushInterval is the fixed cadence of the flush cycle. The worker
	// wakes on the tick regardless of how much is queued.
	FlushInterval time.Duration
	// PullInterval is the cadence of background snapshot pulls.
	PullInterval time.Duration
	// BatchSize caps how many mutations one flush cycle sends.
	BatchSize int
	// MaxRetries is the retry budget per mutation before it becomes a
	// terminal error.
	MaxRetries int
	// EntityTypes lists the snapshot collections to pull.
	EntityTypes []string
}

// Worker runs the background flush and pull loops over one catalog. It is
// the only component that touches the network; local writes never wait on
// it.
type Worker struct {
	db     *storage.BunDB
	client Client
	rec    *overlay.Reconciler
	opts   WorkerOptions
	log    *logrus.Entry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a Worker. Call Start to begin the loops.
func NewWorker(db *storage.BunDB, client Client, rec *overlay.Reconciler, opts WorkerOptions) *Worker {
	return &Worker{
		db:     db,
		client: client,
		rec:    rec,
		opts:   opts,
		log:    logrus.WithField("component", "syncer"),
		done:   make(chan struct{}),
	}
}

// Start launches the background goroutine.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)

		flushTicker := time.NewTicker(w.opts.FlushInterval)
		defer flushTicker.Stop()
		pullTicker := time.NewTicker(w.opts.PullInterval)
		defer pullTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-flushTicker.C:
				if err := w.FlushOnce(ctx); err != nil && ctx.Err() == nil {
					w.log.WithError(err).Warn("Flush cycle failed")
				}
			case <-pullTicker.C:
				if err := w.PullOnce(ctx); err != nil && ctx.Err() == nil {
					w.log.WithError(err).Warn("Snapshot pull failed")
				}
				if err := w.rec.ExpireErrors(ctx); err != nil && ctx.Err() == nil {
					w.log.WithError(err).Warn("Error expiry sweep failed")
				}
			}
		}
	}()
	w.log.WithFields(logrus.Fields{
		"flush_interval": w.opts.FlushInterval,
		"pull_interval":  w.opts.PullInterval,
	}).Debug("Sync worker started")
}

// Stop cancels the loops and waits for the goroutine to finish. An
// in-flight batch is not interrupted mid-request; its outcome is recorded
// before the worker exits.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
	w.log.Debug("Sync worker stopped")
}

// FlushOnce runs a single flush cycle: select the due batch, mark it sent,
// push it, then confirm or requeue the whole batch. The batch succeeds or
// fails as a unit; per-record server verdicts are not modeled.
func (w *Worker) FlushOnce(ctx context.Context) error {
	batch, err := w.db.SelectDueBatch(ctx, w.opts.BatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	ids := make([]string, len(batch))
	changes := make([]Change, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
		changes[i] = Change{
			ID:          m.ID,
			TargetTable: m.TargetTable,
			EntityID:    m.EntityID,
			Op:          m.Op,
			Payload:     json.RawMessage(m.Payload),
			CreatedAt:   m.CreatedAt,
		}
	}

	if err := w.db.MarkBatchSent(ctx, ids); err != nil {
		return err
	}

	if pushErr := w.client.PushBatch(ctx, changes); pushErr != nil {
		w.log.WithError(pushErr).WithField("batch", len(ids)).Info("Batch push failed, requeueing")
		if err := w.db.RequeueBatch(ctx, ids, w.opts.MaxRetries, pushErr.Error()); err != nil {
			return err
		}
		return w.flagTerminalFailures(ctx, batch)
	}

	if err := w.db.MarkBatchConfirmed(ctx, ids); err != nil {
		return err
	}
	w.log.WithField("batch", len(ids)).Debug("Batch confirmed")
	return nil
}

// flagTerminalFailures marks the overlay entry of every mutation that just
// exhausted its retry budget, so readers can surface the failed edit and
// the expiry sweep can eventually drop it.
func (w *Worker) flagTerminalFailures(ctx context.Context, batch []*storage.MutationModel) error {
	for _, m := range batch {
		cur, err := w.db.GetMutation(ctx, m.ID)
		if err != nil {
			return err
		}
		if cur.Status != storage.StatusError {
			continue
		}
		w.log.WithFields(logrus.Fields{
			"mutation_id": m.ID,
			"entity_id":   m.EntityID,
		}).Warn("Mutation exhausted retries")
		if err := w.db.MarkOverlayError(ctx, m.TargetTable, m.EntityID); err != nil {
			return err
		}
	}
	return nil
}

// PullOnce fetches a fresh snapshot for every configured entity type,
// replaces the local snapshot tables, and notifies the reconciler. A
// failing entity type aborts the pull; the snapshot tables are only ever
// replaced wholesale, never partially.
func (w *Worker) PullOnce(ctx context.Context) error {
	pulledAt := time.Now().Unix()
	for _, entityType := range w.opts.EntityTypes {
		items, err := w.client.PullSnapshot(ctx, entityType)
		if err != nil {
			return err
		}
		rows := make([]*storage.SnapshotRowModel, len(items))
		for i, item := range items {
			rows[i] = &storage.SnapshotRowModel{
				EntityType: entityType,
				EntityID:   item.ID,
				Payload:    string(item.Payload),
				PulledAt:   pulledAt,
			}
		}
		if err := w.db.ReplaceSnapshot(ctx, entityType, rows); err != nil {
			return err
		}
		w.log.WithFields(logrus.Fields{
			"entity_type": entityType,
			"rows":        len(rows),
		}).Debug("Snapshot replaced")
	}
	w.rec.NotifySnapshot()
	return nil
}

// SyncOnce runs one full foreground cycle: flush, pull, then an immediate
// reconciliation pass without waiting out the debounce. Used by the CLI.
func (w *Worker) SyncOnce(ctx context.Context) error {
	if err := w.FlushOnce(ctx); err != nil {
		return err
	}
	if err := w.PullOnce(ctx); err != nil {
		return err
	}
	_, err := w.rec.Reconcile(ctx)
	return err
}
