// Package cache defines the port interface for the live-execution cache.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-valued key-value cache. Implementations must treat a
// missing key as a miss, not an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ExecutionKey is the cache key of an execution's live state.
func ExecutionKey(id string) string { return "execution:" + id }
