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

package commands

import (
	"fmt"

	"recallsync/internal/blob"
	"recallsync/internal/device"
	"recallsync/internal/overlay"
	"recallsync/internal/storage"
	"recallsync/internal/syncer"
)

// App holds every component a command can need, built once per invocation.
// Nothing here is process-global; each App owns its catalog handle and
// releases it on Close.
type App struct {
	Settings *device.Settings
	Identity *device.Identity
	Catalog  *storage.Catalog
	DB       *storage.BunDB

	Store      *overlay.Store
	Reconciler *overlay.Reconciler
	Worker     *syncer.Worker
	Coord      *blob.Coordinator
	Scanner    *blob.Scanner
}

// openApp wires the full component graph over the device catalog.
func openApp() (*App, error) {
	settings, err := device.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	identity, err := device.LoadIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	}

	catalog, err := storage.Open(device.CatalogPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	db := catalog.Bun()

	rec := overlay.NewReconciler(db, settings.Debounce(), settings.ErrorExpiry())
	client := syncer.NewHTTPClient(syncer.HTTPClientOptions{
		BaseURL:  settings.ServerURL,
		DeviceID: identity.DeviceID,
		Timeout:  settings.RequestTimeout(),
	})
	worker := syncer.NewWorker(db, client, rec, syncer.WorkerOptions{
		FlushInterval: settings.FlushInterval(),
		PullInterval:  settings.BackgroundInterval(),
		BatchSize:     settings.BatchSize,
		MaxRetries:    settings.MaxRetries,
		EntityTypes:   settings.EntityTypes,
	})

	store := blob.NewOSContentStore(device.BlobDir())
	coord := blob.NewCoordinator(db, store, identity.DeviceID, identity.OwnerID)
	scanner := blob.NewScanner(db, coord, identity.DeviceID, blob.ScanLimits{
		MaxFiles: settings.ScanMaxFiles,
		MaxDepth: settings.ScanMaxDepth,
	})

	return &App{
		Settings:   settings,
		Identity:   identity,
		Catalog:    catalog,
		DB:         db,
		Store:      overlay.NewStore(db),
		Reconciler: rec,
		Worker:     worker,
		Coord:      coord,
		Scanner:    scanner,
	}, nil
}

// Close releases the catalog handle and its lock.
func (a *App) Close() error {
	return a.Catalog.Close()
}
