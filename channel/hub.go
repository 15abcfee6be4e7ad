package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultMemberQueue = 64

// Hub fans notifications out between contexts living in the same process.
//
// Concurrency guarantees:
//   - Join/Close are safe under concurrent Publish.
//   - Publish never blocks; a member whose queue is full misses the message.
//   - Each member receives messages on its own goroutine, in enqueue order.
type Hub struct {
	log       *slog.Logger
	queueSize int

	mu      sync.RWMutex
	members map[*Member]struct{}

	dropped atomic.Uint64
}

// NewHub constructs a Hub. queueSize bounds each member's pending messages.
func NewHub(log *slog.Logger, queueSize int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultMemberQueue
	}
	return &Hub{
		log:       log,
		queueSize: queueSize,
		members:   make(map[*Member]struct{}),
	}
}

// Join attaches a context identified by origin and returns its channel.
func (h *Hub) Join(origin string) *Member {
	m := &Member{
		hub:      h,
		handlers: NewHandlers(origin),
		queue:    make(chan Message, h.queueSize),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.members[m] = struct{}{}
	h.mu.Unlock()

	go m.run()

	h.log.Debug("goauthsync: hub member joined", "origin", origin)
	return m
}

// Members returns the number of attached contexts.
func (h *Hub) Members() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Dropped returns how many deliveries were skipped because a member queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) broadcast(from *Member, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for m := range h.members {
		if m == from {
			continue
		}
		select {
		case <-m.done:
			continue
		default:
		}

		select {
		case m.queue <- msg:
		default:
			h.dropped.Add(1)
			h.log.Debug("goauthsync: hub member queue full", "origin", m.handlers.Origin())
		}
	}
}

func (h *Hub) leave(m *Member) {
	h.mu.Lock()
	delete(h.members, m)
	h.mu.Unlock()
}

// Member is one context's view of a Hub.
type Member struct {
	hub      *Hub
	handlers *Handlers
	queue    chan Message
	done     chan struct{}

	closeOnce sync.Once
}

var _ Channel = (*Member)(nil)

// Publish enqueues msg for every other member. An empty Origin is filled in with the
// member's own origin.
func (m *Member) Publish(ctx context.Context, msg Message) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if msg.Origin == "" {
		msg.Origin = m.handlers.Origin()
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	m.hub.broadcast(m, msg)
	return nil
}

// Subscribe registers h for messages from other members.
func (m *Member) Subscribe(h Handler) func() {
	return m.handlers.Add(h)
}

// Close detaches the member. Messages still queued are discarded.
func (m *Member) Close() error {
	m.closeOnce.Do(func() {
		m.hub.leave(m)
		m.handlers.Close()
		close(m.done)
		m.hub.log.Debug("goauthsync: hub member left", "origin", m.handlers.Origin())
	})
	return nil
}

func (m *Member) run() {
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.queue:
			m.handlers.Dispatch(msg)
		}
	}
}
