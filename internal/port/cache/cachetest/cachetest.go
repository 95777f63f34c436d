// Package cachetest holds the behaviour every cache.Cache adapter must share.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agentengine/internal/port/cache"
)

// Run checks c against the cache port contract. Keys are namespaced by
// prefix so one backing store can serve several runs.
func Run(t *testing.T, c cache.Cache, prefix string) {
	t.Helper()
	ctx := context.Background()
	key := func(s string) string { return cache.ExecutionKey(prefix + "-" + s) }

	t.Run("SetGet", func(t *testing.T) {
		if err := c.Set(ctx, key("a"), []byte(`{"state":"running"}`), time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, key("a"))
		if err != nil || !found || string(val) != `{"state":"running"}` {
			t.Fatalf("get: %q found=%v err=%v", val, found, err)
		}
	})

	t.Run("MissIsNotError", func(t *testing.T) {
		if _, found, err := c.Get(ctx, key("absent")); err != nil || found {
			t.Fatalf("found=%v err=%v", found, err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, key("ow"), []byte("paused"), time.Minute)
		_ = c.Set(ctx, key("ow"), []byte("running"), time.Minute)
		if val, _, _ := c.Get(ctx, key("ow")); string(val) != "running" {
			t.Fatalf("got %q after overwrite", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, key("del"), []byte("x"), time.Minute)
		if err := c.Delete(ctx, key("del")); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := c.Get(ctx, key("del")); found {
			t.Fatal("hit after delete")
		}
		if err := c.Delete(ctx, key("never")); err != nil {
			t.Fatalf("delete of absent key: %v", err)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				k := key(fmt.Sprintf("c%d", i))
				if err := c.Set(ctx, k, []byte(k), time.Minute); err != nil {
					t.Error(err)
					return
				}
				if val, found, err := c.Get(ctx, k); err != nil || !found || string(val) != k {
					t.Errorf("%s: %q found=%v err=%v", k, val, found, err)
				}
			}()
		}
		wg.Wait()
	})
}
