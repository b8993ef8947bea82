package bus

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Hub fans lifecycle events out to subscribers without ever blocking the
// publisher on a slow reader.
type Hub struct {
	subscribers      map[uint64]chan Event
	nextSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[uint64]chan Event),
		done:        make(chan struct{}),
	}
}

// Publish delivers event to every subscriber with buffer space. It returns
// false once the hub is closed or ctx is done.
func (h *Hub) Publish(ctx context.Context, event Event) bool {
	if h == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	default:
	}

	// Sends never block, so holding the read lock keeps unsubscribe from
	// closing a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

// Subscribe returns a buffered event stream and its unsubscribe func. The
// stream is closed on unsubscribe, ctx cancellation, or hub Close.
func (h *Hub) Subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := h.nextSubscriberID
	h.nextSubscriberID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			if eventCh, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(eventCh)
			}
			h.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-h.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for id, ch := range h.subscribers {
			close(ch)
			delete(h.subscribers, id)
		}
		h.mu.Unlock()
	})
}
