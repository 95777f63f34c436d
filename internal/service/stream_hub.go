package service

import (
	"context"
	"sync"

	"github.com/Strob0t/agentengine/internal/port/messagequeue"
)

const defaultStreamBuffer = 64

// StreamEvent is one step or state change delivered to stream listeners.
type StreamEvent = messagequeue.ExecutionEventPayload

type subscription struct {
	executionID string
	ch          chan StreamEvent
}

type countRequest struct {
	executionID string
	reply       chan int
}

// StreamHub fans execution events out to any number of listeners per
// execution. The listener map is owned by a single goroutine; callers talk
// to it over channels only.
type StreamHub struct {
	buffer  int
	sub     chan subscription
	unsub   chan subscription
	pub     chan StreamEvent
	count   chan countRequest
	quit    chan struct{}
	done    chan struct{}
	closing sync.Once
}

// NewStreamHub starts the hub. buffer bounds each listener's queue; a
// listener that falls behind misses events rather than stalling others.
func NewStreamHub(buffer int) *StreamHub {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	h := &StreamHub{
		buffer: buffer,
		sub:    make(chan subscription),
		unsub:  make(chan subscription),
		pub:    make(chan StreamEvent, buffer),
		count:  make(chan countRequest),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

// Subscribe attaches a listener to executionID. The listener is removed when
// ctx ends or the returned cancel func is called; the channel is then closed.
func (h *StreamHub) Subscribe(ctx context.Context, executionID string) (<-chan StreamEvent, func()) {
	s := subscription{executionID: executionID, ch: make(chan StreamEvent, h.buffer)}
	select {
	case h.sub <- s:
	case <-h.done:
		close(s.ch)
		return s.ch, func() {}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			select {
			case h.unsub <- s:
			case <-h.done:
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-h.done:
		}
	}()
	return s.ch, cancel
}

// Publish delivers ev to every listener of ev.ExecutionID.
func (h *StreamHub) Publish(ev StreamEvent) {
	select {
	case h.pub <- ev:
	case <-h.done:
	}
}

// Subscribers returns the number of listeners attached to executionID.
func (h *StreamHub) Subscribers(executionID string) int {
	req := countRequest{executionID: executionID, reply: make(chan int, 1)}
	select {
	case h.count <- req:
		return <-req.reply
	case <-h.done:
		return 0
	}
}

// Close detaches every listener and stops the hub.
func (h *StreamHub) Close() {
	h.closing.Do(func() { close(h.quit) })
	<-h.done
}

func (h *StreamHub) run() {
	listeners := make(map[string]map[chan StreamEvent]struct{})
	defer close(h.done)

	for {
		select {
		case s := <-h.sub:
			set, ok := listeners[s.executionID]
			if !ok {
				set = make(map[chan StreamEvent]struct{})
				listeners[s.executionID] = set
			}
			set[s.ch] = struct{}{}

		case s := <-h.unsub:
			set := listeners[s.executionID]
			if _, ok := set[s.ch]; !ok {
				continue
			}
			delete(set, s.ch)
			close(s.ch)
			if len(set) == 0 {
				delete(listeners, s.executionID)
			}

		case ev := <-h.pub:
			for ch := range listeners[ev.ExecutionID] {
				select {
				case ch <- ev:
				default:
				}
			}

		case req := <-h.count:
			req.reply <- len(listeners[req.executionID])

		case <-h.quit:
			for id, set := range listeners {
				for ch := range set {
					close(ch)
				}
				delete(listeners, id)
			}
			return
		}
	}
}
