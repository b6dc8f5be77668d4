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

// Package integration exercises the sync engine end to end: a real catalog
// on disk, the overlay store, the flush worker, and a fake authoritative
// server that actually applies the pushed changes, so pulls reflect pushes
// the way the production server would behave.
package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"recallsync/internal/blob"
	"recallsync/internal/overlay"
	"recallsync/internal/storage"
	"recallsync/internal/syncer"

	"github.com/go-git/go-billy/v5/memfs"
)

// fakeServer is an in-memory authoritative store behind an HTTP API. While
// offline it rejects every request with 503, which is how a laptop without
// a network looks to the client.
type fakeServer struct {
	mu      sync.Mutex
	offline bool
	tables  map[string]map[string]json.RawMessage
	pushes  int

	srv *httptest.Server
}

func newFakeServer() *fakeServer {
	f := &fakeServer{tables: make(map[string]map[string]json.RawMessage)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeServer) Close()      { f.srv.Close() }
func (f *fakeServer) URL() string { return f.srv.URL }

func (f *fakeServer) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeServer) PushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.offline {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"message": "server unavailable"})
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/changes/batch":
		f.pushes++
		var req struct {
			Changes []syncer.Change `json:"changes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, c := range req.Changes {
			table := f.tables[c.TargetTable]
			if table == nil {
				table = make(map[string]json.RawMessage)
				f.tables[c.TargetTable] = table
			}
			if c.Op == storage.OpDelete {
				delete(table, c.EntityID)
			} else {
				table[c.EntityID] = c.Payload
			}
		}
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/snapshots/"):
		entityType := strings.TrimPrefix(r.URL.Path, "/v1/snapshots/")
		items := []syncer.SnapshotItem{}
		for id, payload := range f.tables[entityType] {
			items = append(items, syncer.SnapshotItem{ID: id, Payload: payload})
		}
		json.NewEncoder(w).Encode(map[string]any{"items": items})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// testEnv wires the full engine over one catalog and one fake server.
type testEnv struct {
	Server  *fakeServer
	Catalog *storage.Catalog
	DB      *storage.BunDB
	Store   *overlay.Store
	Rec     *overlay.Reconciler
	Worker  *syncer.Worker
	Coord   *blob.Coordinator
	Scanner *blob.Scanner

	catalogPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	server := newFakeServer()
	t.Cleanup(server.Close)

	env := &testEnv{
		Server:      server,
		catalogPath: filepath.Join(t.TempDir(), "catalog.db"),
	}
	env.open(t)
	t.Cleanup(func() { env.Catalog.Close() })
	return env
}

// open builds the component graph. Called again by reopen after a simulated
// crash.
func (env *testEnv) open(t *testing.T) {
	t.Helper()

	cat, err := storage.Open(env.catalogPath)
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}
	db := cat.Bun()

	rec := overlay.NewReconciler(db, 10*time.Millisecond, time.Hour)
	client := syncer.NewHTTPClient(syncer.HTTPClientOptions{
		BaseURL:  env.Server.URL(),
		DeviceID: "dev-integration",
		Timeout:  5 * time.Second,
	})
	worker := syncer.NewWorker(db, client, rec, syncer.WorkerOptions{
		FlushInterval: time.Hour,
		PullInterval:  time.Hour,
		BatchSize:     50,
		MaxRetries:    3,
		EntityTypes:   []string{"works", "collections"},
	})
	store := blob.NewContentStore(memfs.New())
	coord := blob.NewCoordinator(db, store, "dev-integration", "owner-integration")

	env.Catalog = cat
	env.DB = db
	env.Store = overlay.NewStore(db)
	env.Rec = rec
	env.Worker = worker
	env.Coord = coord
	env.Scanner = blob.NewScanner(db, coord, "dev-integration", blob.DefaultScanLimits())
}

// reopen simulates a process restart: close the catalog and rebuild
// everything from the file on disk. The content store is rebuilt empty on
// purpose; blob durability is covered by the catalog, not by memfs.
func (env *testEnv) reopen(t *testing.T) {
	t.Helper()
	if err := env.Catalog.Close(); err != nil {
		t.Fatalf("Failed to close catalog: %v", err)
	}
	env.open(t)
}

func workPayload(id, title string) []byte {
	payload, _ := json.Marshal(map[string]string{"id": id, "title": title})
	return payload
}
