package channel

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when publishing on a closed channel.
var ErrClosed = errors.New("channel closed")

// Handler receives notifications published by other contexts.
type Handler func(Message)

// Channel is the transport-neutral Sync Channel bound to one context.
type Channel interface {
	// Publish broadcasts msg to every other context sharing the channel.
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (cancel func())
	// Close releases the transport. Handlers are not invoked afterwards.
	Close() error
}

// Nop is a channel with no transport. Publishing succeeds and nothing is delivered.
type Nop struct{}

func (Nop) Publish(context.Context, Message) error { return nil }
func (Nop) Subscribe(Handler) func()               { return func() {} }
func (Nop) Close() error                           { return nil }

// Handlers is a handler registry shared by the transports. Dispatch skips messages
// from the owning origin and stops once Close has been called.
type Handlers struct {
	origin string

	mu     sync.RWMutex
	next   uint64
	set    map[uint64]Handler
	order  []uint64
	closed bool
}

// NewHandlers returns a registry that drops messages published by origin.
func NewHandlers(origin string) *Handlers {
	return &Handlers{origin: origin, set: make(map[uint64]Handler)}
}

// Origin returns the owning origin.
func (h *Handlers) Origin() string {
	return h.origin
}

// Add registers fn.
func (h *Handlers) Add(fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	h.next++
	id := h.next
	h.set[id] = fn
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.set, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Dispatch delivers msg to every handler in registration order.
func (h *Handlers) Dispatch(msg Message) {
	if msg.Origin == h.origin {
		return
	}
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	fns := make([]Handler, 0, len(h.order))
	for _, id := range h.order {
		fns = append(fns, h.set[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// Close drops every handler. Later dispatches are no-ops.
func (h *Handlers) Close() {
	h.mu.Lock()
	h.closed = true
	h.set = map[uint64]Handler{}
	h.order = nil
	h.mu.Unlock()
}

// Closed reports whether Close was called.
func (h *Handlers) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
