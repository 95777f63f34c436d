package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("service unavailable")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func trip(b *Breaker, n int) {
	for range n {
		_ = b.Execute(func() error { return errTest })
	}
}

func TestBreakerLifecycle(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(2, time.Second)
	b.now = c.now

	var transitions []string
	b.OnChange(func(from, to BreakerState) { transitions = append(transitions, string(from)+">"+string(to)) })

	trip(b, 1)
	if b.State() != "closed" {
		t.Fatalf("one failure should not trip: %s", b.State())
	}
	trip(b, 1)
	if err := b.Execute(func() error { t.Fatal("call admitted while open"); return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	c.advance(time.Second)
	if b.State() != "half_open" {
		t.Fatalf("state after cooldown: %s", b.State())
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if b.State() != "closed" {
		t.Fatalf("state after probe: %s", b.State())
	}

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions: %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions: %v", transitions)
		}
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(3, time.Second)
	b.now = c.now
	trip(b, 3)

	c.advance(2 * time.Second)
	trip(b, 1)
	if b.State() != "open" {
		t.Fatalf("state after failed probe: %s", b.State())
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(1, time.Second)
	b.now = c.now
	trip(b, 1)
	c.advance(time.Second)

	inProbe, release := make(chan struct{}), make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second caller during probe: %v", err)
	}
	close(release)
	wg.Wait()
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("after probe: %v", err)
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := NewBreaker(3, time.Second)
	trip(b, 2)
	_ = b.Execute(func() error { return nil })
	trip(b, 2)
	if b.State() != "closed" {
		t.Fatalf("streak not reset: %s", b.State())
	}
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	b := NewBreaker(2, time.Minute)
	for range 5 {
		if err := b.Execute(func() error { return Permanent(errTest) }); !errors.Is(err, errTest) {
			t.Fatalf("expected the call's error, got %v", err)
		}
	}
	if s := b.State(); s != "closed" {
		t.Fatalf("state: %s", s)
	}
}
