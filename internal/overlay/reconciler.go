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

package overlay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"recallsync/internal/storage"
)

// Reconciler retires overlay entries that the snapshot has caught up with.
// Snapshot pulls signal it through NotifySnapshot; the trigger is debounced
// so a burst of pulls collapses into a single pass, and at most one pass
// runs at a time.
type Reconciler struct {
	db          *storage.BunDB
	debounce    time.Duration
	errorExpiry time.Duration
	log         *logrus.Entry

	mu      sync.Mutex
	timer   *time.Timer
	started bool

	kick   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// NewReconciler creates a Reconciler. debounce is the quiet period after
// the last NotifySnapshot before a pass runs; errorExpiry is how long
// error-status entries are kept for inspection before purging.
func NewReconciler(db *storage.BunDB, debounce, errorExpiry time.Duration) *Reconciler {
	return &Reconciler{
		db:          db,
		debounce:    debounce,
		errorExpiry: errorExpiry,
		log:         logrus.WithField("component", "reconciler"),
		kick:        make(chan struct{}, 1),
	}
}

// Start launches the background pass loop. Safe to call once.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})

	go r.loop()
	r.log.Debug("Reconciler started")
}

// Stop cancels any pending debounce timer and waits for an in-flight pass
// to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	close(r.stopCh)
	done := r.done
	r.mu.Unlock()

	<-done
	r.log.Debug("Reconciler stopped")
}

// NotifySnapshot schedules a reconciliation pass after the debounce window.
// Another notification inside the window cancels the pending timer and
// restarts it, so rapid snapshot pulls coalesce.
func (r *Reconciler) NotifySnapshot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	})
}

// loop serializes passes: because a single goroutine drains the kick
// channel, no two passes ever overlap.
func (r *Reconciler) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.kick:
			if _, err := r.Reconcile(context.Background()); err != nil {
				r.log.WithError(err).Warn("Reconciliation pass failed")
			}
		}
	}
}

// Reconcile runs one pass immediately and returns the number of overlay
// entries retired. An insert or update entry is retired once its id appears
// in the snapshot; a delete entry is retired once its id is absent. Entries
// in error status are left for ExpireErrors. Per-entry failures are logged
// and skipped so one bad row never blocks the rest of the pass.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	entries, err := r.db.ListAllOverlay(ctx)
	if err != nil {
		return 0, err
	}

	idSets := make(map[string]map[string]struct{})
	retired := 0
	for _, entry := range entries {
		if entry.Status == storage.StatusError {
			continue
		}

		ids, ok := idSets[entry.EntityType]
		if !ok {
			ids, err = r.db.SnapshotIDSet(ctx, entry.EntityType)
			if err != nil {
				return retired, err
			}
			idSets[entry.EntityType] = ids
		}

		_, inSnapshot := ids[entry.EntityID]
		var done bool
		switch entry.Op {
		case storage.OpDelete:
			done = !inSnapshot
		default:
			done = inSnapshot
		}
		if !done {
			continue
		}

		if err := r.db.DeleteOverlayByLocalID(ctx, entry.LocalID); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"entity_type": entry.EntityType,
				"entity_id":   entry.EntityID,
			}).Warn("Failed to retire overlay entry")
			continue
		}
		retired++
	}

	if retired > 0 {
		r.log.WithField("retired", retired).Debug("Reconciliation pass complete")
	}
	return retired, nil
}

// ExpireErrors purges overlay entries and queued mutations that have sat in
// error status past the expiry horizon, along with confirmed mutations that
// are no longer needed.
func (r *Reconciler) ExpireErrors(ctx context.Context) error {
	horizon := time.Now().Add(-r.errorExpiry)
	if _, err := r.db.PurgeExpiredOverlayErrors(ctx, horizon); err != nil {
		return err
	}
	if _, err := r.db.PurgeErrorMutations(ctx, horizon); err != nil {
		return err
	}
	_, err := r.db.DeleteConfirmedMutations(ctx)
	return err
}
