package pool_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/agentengine/internal/pool"
)

func TestPoolLimitsConcurrency(t *testing.T) {
	const limit = 3
	const workers = 10
	p := pool.New(limit)

	var running, maxSeen atomic.Int32
	done := make(chan struct{}, workers)

	for range workers {
		go func() {
			defer func() { done <- struct{}{} }()
			err := p.Run(context.Background(), func(context.Context) error {
				cur := running.Add(1)
				for {
					old := maxSeen.Load()
					if cur <= old || maxSeen.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	for range workers {
		<-done
	}

	if m := maxSeen.Load(); m > limit {
		t.Errorf("max concurrent = %d, want <= %d", m, limit)
	}
}

func TestPoolContextCancellation(t *testing.T) {
	p := pool.New(1)

	occupied := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), func(context.Context) error {
			close(occupied)
			<-release
			return nil
		})
	}()
	<-occupied
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx, func(context.Context) error {
		t.Error("fn should not run")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNilPoolRunsDirectly(t *testing.T) {
	var p *pool.Pool
	called := false
	if err := p.Run(context.Background(), func(context.Context) error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected fn to run")
	}
}

func TestForEach(t *testing.T) {
	var sum atomic.Int64
	err := pool.ForEach(context.Background(), 2, []int{1, 2, 3, 4}, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Load() != 10 {
		t.Fatalf("sum = %d, want 10", sum.Load())
	}
}

func TestForEachReturnsError(t *testing.T) {
	boom := errors.New("boom")
	err := pool.ForEach(context.Background(), 4, []string{"a", "b"}, func(_ context.Context, s string) error {
		if s == "b" {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
