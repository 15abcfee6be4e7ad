package goAuthSync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrEthical07/goAuthSync/channel"
	"github.com/MrEthical07/goAuthSync/endpoint"
	"github.com/MrEthical07/goAuthSync/scheduler"
	"github.com/MrEthical07/goAuthSync/store"
)

// Client is one context's view of the session.
//
// All methods are safe for concurrent use. Background refreshes never return errors
// to callers; explicit operations (Refresh, Update, SignIn, SignOut) do.
type Client struct {
	id       string
	cfg      Config
	log      *slog.Logger
	endpoint *endpoint.Client
	store    *store.Store
	channel  channel.Channel
	clock    *channel.Clock
	sched    *scheduler.Scheduler
	metrics  *Metrics
	events   *eventDispatcher

	navigator  Navigator
	onRequired func()
	required   sync.Once

	// stamp is the freshness of the applied state; fetchStamp that of the fetch in
	// flight, zero when idle.
	stampMu    sync.Mutex
	stamp      channel.Stamp
	fetchStamp channel.Stamp

	unsubscribeStore   func()
	unsubscribeChannel func()

	closed    atomic.Bool
	closeOnce sync.Once
}

// ID returns the context identifier, also used as the channel origin.
func (c *Client) ID() string {
	return c.id
}

// Session returns a copy of the cached state. It never blocks on I/O.
func (c *Client) Session() SessionState {
	sess, status := c.store.Get()
	return SessionState{Session: sess, Status: status}
}

// Status returns the cached status.
func (c *Client) Status() Status {
	return c.store.Snapshot().Status
}

// Subscribe registers fn for every state change. The returned func removes it.
//
// Listeners run synchronously on the goroutine that applied the change and are never
// re-entered; a change made from inside a listener is delivered after it returns.
// A listener must not wait on Refresh, Update, SignIn or SignOut: those wait for the
// fetch that is delivering the change.
func (c *Client) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	return c.store.Subscribe(func(prev, next store.Snapshot) {
		fn(stateOf(prev), stateOf(next))
	})
}

// Refresh re-fetches the session. A fetch already in flight is shared.
func (c *Client) Refresh(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.sched.Do(ctx, scheduler.Request{Reason: scheduler.ReasonExplicit})
}

// Update posts data to the session endpoint and returns the resulting session. A nil
// data performs a fresh read that is guaranteed to start after the call.
func (c *Client) Update(ctx context.Context, data any) (*Session, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := c.sched.Do(ctx, scheduler.Request{Reason: scheduler.ReasonUpdate, Payload: data}); err != nil {
		return nil, err
	}
	sess, _ := c.store.Get()
	return sess, nil
}

// CSRFToken fetches a token for state-changing requests.
func (c *Client) CSRFToken(ctx context.Context) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	return c.endpoint.CSRFToken(ctx)
}

// Providers fetches the backend's sign-in providers keyed by id.
func (c *Client) Providers(ctx context.Context) (map[string]Provider, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.endpoint.Providers(ctx)
}

// Focus tells the client its context regained focus. It reports whether a refresh
// started.
func (c *Client) Focus() bool {
	if c.closed.Load() {
		return false
	}
	return c.sched.Focus()
}

// SetOnline records connectivity; coming back online refreshes the session.
func (c *Client) SetOnline(online bool) {
	if c.closed.Load() {
		return
	}
	c.sched.SetOnline(online)
}

// SchedulerState reports whether a fetch is running or backing off.
func (c *Client) SchedulerState() scheduler.State {
	return c.sched.State()
}

// MetricsSnapshot returns empty maps when metrics are disabled.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	if c == nil {
		return emptySnapshot()
	}
	return c.metrics.Snapshot()
}

// EventsDropped returns how many events the dispatcher discarded.
func (c *Client) EventsDropped() uint64 {
	if c == nil || c.events == nil {
		return 0
	}
	return c.events.Dropped()
}

// EventsDroppedByType breaks EventsDropped down by event type.
func (c *Client) EventsDroppedByType() map[string]uint64 {
	if c == nil {
		return map[string]uint64{}
	}
	return c.events.DroppedByType()
}

// Close tears the context down: the channel handler is removed first so late
// notifications are no-ops, then the scheduler stops (cancelling a fetch in flight),
// then the channel and the event dispatcher are released. Close is idempotent and
// must not be called from a Listener.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.unsubscribeChannel != nil {
			c.unsubscribeChannel()
		}
		_ = c.sched.Close()
		if c.unsubscribeStore != nil {
			c.unsubscribeStore()
		}
		err = c.channel.Close()
		c.events.Close()
	})
	return err
}

func stateOf(s store.Snapshot) SessionState {
	return SessionState{Session: s.Session.Clone(), Status: s.Status}
}

func (c *Client) emit(ev SessionEvent) {
	c.events.Emit(context.Background(), ev)
}

func (c *Client) navigate(target string) {
	if target == "" {
		return
	}
	if c.navigator == nil {
		c.log.Debug("goauthsync: no navigator configured", "target", target)
		return
	}
	c.navigator.Navigate(target)
}
