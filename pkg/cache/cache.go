// Package cache provides the TTL key-value store used for prediction caching
// and usage-statistic counters. Lost or stale entries are safe: a miss only
// triggers recomputation, never a correctness hazard.
package cache

import (
	"context"
	"time"
)

// Cache is a key-value store with per-entry TTL.
type Cache interface {
	// Get returns the value for key, and whether it was present and
	// unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given TTL. A non-positive TTL
	// falls back to the implementation's default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment atomically increments the counter at key, setting the TTL
	// when the counter is created, and returns the new value.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
