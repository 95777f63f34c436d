// Package ristretto implements the cache port with an in-process
// dgraph-io/ristretto cache. It is the L1 tier for live execution snapshots.
package ristretto

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/agentengine/internal/port/cache"
)

// avgEntryBytes is the expected size of one serialised execution snapshot,
// used to size the admission counters.
const avgEntryBytes = 2048

// Cache is a size-bounded in-process cache of serialised snapshots.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

var _ cache.Cache = (*Cache)(nil)

// New creates a cache holding at most maxMB megabytes of values.
func New(maxMB int64) (*Cache, error) {
	if maxMB < 1 {
		maxMB = 1
	}
	maxCost := maxMB << 20
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCost/avgEntryBytes*10, 1000),
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores value under key. A zero ttl keeps the entry until evicted.
// Writes become visible once ristretto's buffers flush; Set waits for that
// so a following Get observes the value.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	c.c.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
