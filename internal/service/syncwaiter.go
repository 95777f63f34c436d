package service

import "sync"

// waiters correlates asynchronous replies with the callers blocked on
// them, keyed by a correlation id.
type waiters[T any] struct {
	mu sync.Mutex
	m  map[string]chan T
}

func newWaiters[T any]() *waiters[T] {
	return &waiters[T]{m: make(map[string]chan T)}
}

// add registers id and returns the channel its reply arrives on plus a
// release func that must be called once the caller stops waiting.
func (w *waiters[T]) add(id string) (<-chan T, func()) {
	ch := make(chan T, 1)
	w.mu.Lock()
	w.m[id] = ch
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		if w.m[id] == ch {
			delete(w.m, id)
		}
		w.mu.Unlock()
	}
}

// deliver hands v to the waiter registered for id. found is false when
// nobody waits for id; accepted is false when a reply was already
// delivered.
func (w *waiters[T]) deliver(id string, v T) (found, accepted bool) {
	w.mu.Lock()
	ch, ok := w.m[id]
	w.mu.Unlock()
	if !ok {
		return false, false
	}
	select {
	case ch <- v:
		return true, true
	default:
		return true, false
	}
}

func (w *waiters[T]) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}
