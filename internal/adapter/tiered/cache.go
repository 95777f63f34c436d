// Package tiered combines an in-process L1 with an optional shared L2.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/agentengine/internal/port/cache"
)

// Cache reads L1 first, then L2, backfilling L1 on an L2 hit. Writes and
// deletes go to both tiers.
//
// The cache is advisory: the store stays authoritative, so L2 failures are
// logged and reported as misses instead of failing the caller.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache // nil when no shared tier is configured
	l1Expire time.Duration
}

var _ cache.Cache = (*Cache)(nil)

// New creates a tiered cache. l2 may be nil. l1Expire bounds how long
// backfilled entries live in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found || c.l2 == nil {
		return val, found, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		slog.Warn("l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	_ = c.l1.Set(ctx, key, val, c.l1Expire)
	return val, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		// A stale L2 entry would outlive this write; drop it.
		slog.Warn("l2 cache set failed", "key", key, "error", err)
		_ = c.l2.Delete(ctx, key)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.Delete(ctx, key)
}
