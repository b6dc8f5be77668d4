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

// Package cache provides a TTL cache for catalog digest lookups.
//
// Scans hash every file and probe the catalog per digest; re-scanning the
// same folder repeats those probes. The cache remembers both hits and
// misses for a short window. Writers must invalidate after ingesting.
package cache

import (
	"os"
	"sync"
	"time"

	"recallsync/internal/storage"
)

// Disabled controls whether caching is disabled.
// Set via RECALLSYNC_CACHE=0 environment variable.
var Disabled = os.Getenv("RECALLSYNC_CACHE") == "0"

// MetaCache caches blob metadata lookups by digest with TTL-based
// expiration. Misses are cached too (a nil meta), since scans mostly probe
// digests the catalog has never seen.
//
// Thread-safe: Uses RWMutex for concurrent access.
type MetaCache struct {
	mu      sync.RWMutex
	entries map[string]*metaEntry
	ttl     time.Duration
	maxSize int
}

type metaEntry struct {
	meta    *storage.BlobMetaModel // nil records a known miss
	expires time.Time
}

// NewMetaCache creates a new metadata cache.
// ttl: Time-to-live for cached entries (use 0 for no expiration)
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewMetaCache(ttl time.Duration, maxSize int) *MetaCache {
	return &MetaCache{
		entries: make(map[string]*metaEntry, 256),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get retrieves a cached lookup result for a digest. The second return is
// false when the digest was never looked up, has expired, or caching is
// disabled; the first return is nil for a cached miss.
func (c *MetaCache) Get(digest string) (*storage.BlobMetaModel, bool) {
	if Disabled {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[digest]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.meta, true
}

// Set stores a lookup result for a digest. Pass nil to record a miss.
// No-op if caching is disabled (RECALLSYNC_CACHE=0).
func (c *MetaCache) Set(digest string, meta *storage.BlobMetaModel) {
	if Disabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		// Don't add new entries when at capacity
		if _, exists := c.entries[digest]; !exists {
			return
		}
	}

	expires := time.Time{} // No expiration by default
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	c.entries[digest] = &metaEntry{meta: meta, expires: expires}
}

// Invalidate clears all entries. Call after any write that creates or
// deletes blob metadata.
func (c *MetaCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > 0 {
		c.entries = make(map[string]*metaEntry, 256)
	}
}

// InvalidateDigest drops the entry for one digest.
func (c *MetaCache) InvalidateDigest(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, digest)
}

// Len returns the number of cached entries.
func (c *MetaCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
