// Package resilience provides the circuit breaker and bounded retry used
// around oracle calls and outbound webhooks.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the externally visible position of a Breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker trips after maxFailures consecutive failures and rejects calls for
// cooldown. After that a single probe call is admitted: success closes the
// breaker, failure reopens it. Errors marked Permanent mean the remote side
// answered and are not counted.
type Breaker struct {
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu        sync.Mutex
	pos       BreakerState
	streak    int
	trippedAt time.Time
	probing   bool
	onChange  func(from, to BreakerState)
}

// NewBreaker creates a closed breaker. maxFailures below 1 is treated as 1.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
		pos:         BreakerClosed,
	}
}

// OnChange registers fn to be called, with the lock released, on every
// state transition.
func (b *Breaker) OnChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Execute runs fn unless the breaker is open or a half-open probe is
// already in flight, in which case ErrCircuitOpen is returned.
func (b *Breaker) Execute(fn func() error) error {
	probe, ok := b.admit()
	if !ok {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(probe, err == nil || errors.Is(err, ErrPermanent))
	return err
}

// State reports the breaker position for health output. An open breaker
// whose cooldown has elapsed reports half_open.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos == BreakerOpen && b.cooledDown() {
		return string(BreakerHalfOpen)
	}
	return string(b.pos)
}

func (b *Breaker) cooledDown() bool {
	return b.now().Sub(b.trippedAt) >= b.cooldown
}

func (b *Breaker) admit() (probe, ok bool) {
	b.mu.Lock()
	var from BreakerState
	switch b.pos {
	case BreakerClosed:
		b.mu.Unlock()
		return false, true
	case BreakerOpen:
		if !b.cooledDown() {
			b.mu.Unlock()
			return false, false
		}
		from = b.pos
		b.pos = BreakerHalfOpen
	}
	if b.probing {
		b.mu.Unlock()
		return false, false
	}
	b.probing = true
	notify := b.onChange
	b.mu.Unlock()
	if notify != nil && from != "" {
		notify(from, BreakerHalfOpen)
	}
	return true, true
}

func (b *Breaker) record(probe, healthy bool) {
	b.mu.Lock()
	from := b.pos
	if probe {
		b.probing = false
	}
	switch {
	case healthy:
		b.streak = 0
		if probe {
			b.pos = BreakerClosed
		}
	default:
		b.streak++
		if probe || b.streak >= b.maxFailures {
			b.pos = BreakerOpen
			b.trippedAt = b.now()
		}
	}
	to, notify := b.pos, b.onChange
	b.mu.Unlock()
	if notify != nil && from != to {
		notify(from, to)
	}
}
