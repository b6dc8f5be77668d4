// Package util provides shared utility functions for recallsync.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// CatalogRetryOptions returns retry options for catalog writes.
// Linear backoff (100ms, 200ms, 300ms) suitable for transient SQLite lock
// errors when the sync worker and CLI both have the catalog open.
func CatalogRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.Context(ctx),
	}
}

// Retry executes fn with catalog retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error) error {
	return retry.Do(fn, CatalogRetryOptions(ctx)...)
}

// IsDatabaseLocked returns true if the error indicates a SQLite lock.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}
