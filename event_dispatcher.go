package goAuthSync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// eventDispatcher hands a context's lifecycle events to its sink on one goroutine,
// so sinks see them in emission order and never run on the fetch path.
//
// A nil dispatcher is valid and discards everything.
type eventDispatcher struct {
	contextID  string
	sink       EventSink
	dropIfFull bool
	log        *slog.Logger
	now        func() time.Time

	queue    chan SessionEvent
	stop     chan struct{}
	finished chan struct{}

	dropMu sync.Mutex
	drops  map[string]uint64
	total  atomic.Uint64

	closing   atomic.Bool
	closeOnce sync.Once
}

func newEventDispatcher(contextID string, cfg EventsConfig, sink EventSink, log *slog.Logger) *eventDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	d := &eventDispatcher{
		contextID:  contextID,
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		log:        log,
		now:        time.Now,
		queue:      make(chan SessionEvent, max(cfg.BufferSize, 1)),
		stop:       make(chan struct{}),
		finished:   make(chan struct{}),
		drops:      map[string]uint64{},
	}
	go d.loop()
	return d
}

func (d *eventDispatcher) loop() {
	defer close(d.finished)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			// Whatever made it into the queue before Close is still delivered.
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver isolates the dispatcher from a panicking sink.
func (d *eventDispatcher) deliver(ev SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("goauthsync: event sink panicked", "event", ev.EventType, "panic", r)
		}
	}()
	d.sink.Emit(context.Background(), ev)
}

// Emit stamps ev with the context ID and, when unset, the current time, then queues
// it. With DropIfFull a full queue drops the event; otherwise Emit waits for room
// until ctx is done.
func (d *eventDispatcher) Emit(ctx context.Context, ev SessionEvent) {
	if d == nil || d.closing.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ev.ContextID = d.contextID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now().UTC()
	}

	if d.dropIfFull {
		select {
		case d.queue <- ev:
		default:
			d.drop(ev.EventType)
		}
		return
	}

	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.drop(ev.EventType)
	case <-d.stop:
	}
}

func (d *eventDispatcher) drop(eventType string) {
	d.total.Add(1)
	d.dropMu.Lock()
	d.drops[eventType]++
	d.dropMu.Unlock()
}

// Close stops accepting events and waits until the queued ones are delivered.
func (d *eventDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closing.Store(true)
		close(d.stop)
	})
	<-d.finished
}

// Dropped returns the number of discarded events.
func (d *eventDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.total.Load()
}

// DroppedByType breaks Dropped down by event type.
func (d *eventDispatcher) DroppedByType() map[string]uint64 {
	out := map[string]uint64{}
	if d == nil {
		return out
	}
	d.dropMu.Lock()
	defer d.dropMu.Unlock()
	for k, v := range d.drops {
		out[k] = v
	}
	return out
}
