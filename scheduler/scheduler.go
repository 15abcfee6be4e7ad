package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("scheduler closed")

const defaultFetchTimeout = 10 * time.Second

// State is the scheduler's position in its state machine.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateBackoff
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Reason records what started a fetch.
type Reason string

const (
	ReasonInitial   Reason = "initial"
	ReasonExplicit  Reason = "explicit"
	ReasonUpdate    Reason = "update"
	ReasonSignIn    Reason = "signin"
	ReasonSignOut   Reason = "signout"
	ReasonInterval  Reason = "interval"
	ReasonFocus     Reason = "focus"
	ReasonBroadcast Reason = "broadcast"
	ReasonOnline    Reason = "online"
)

// CallerInitiated reports whether the reason comes from an explicit API call.
func (r Reason) CallerInitiated() bool {
	switch r {
	case ReasonExplicit, ReasonUpdate, ReasonSignIn, ReasonSignOut:
		return true
	}
	return false
}

// Request describes one fetch.
type Request struct {
	Reason Reason
	// Payload is sent to the session endpoint by update fetches.
	Payload any
}

// joinable reports whether the request may share a fetch already in flight.
// Anything that follows a mutation must observe a fetch started after it.
func (r Request) joinable() bool {
	return r.Reason == ReasonExplicit && r.Payload == nil
}

// FetchFunc performs one fetch and applies its result. It returns an error only for
// failures that leave the session unknown.
type FetchFunc func(ctx context.Context, req Request) error

// Config controls the background stimuli.
type Config struct {
	// Interval between periodic refreshes. Zero disables the timer.
	Interval time.Duration
	// OnFocus enables Focus.
	OnFocus bool
	// WhenOffline keeps interval and focus refreshes running while offline.
	WhenOffline bool
	// Backoff is how long background triggers are suppressed after a transient failure.
	Backoff time.Duration
	// FetchTimeout bounds every fetch.
	FetchTimeout time.Duration
}

// Observer receives lifecycle callbacks. Nil fields are skipped. Callbacks run on the
// scheduler's goroutines and must not block.
type Observer struct {
	Started  func(req Request)
	Dropped  func(reason Reason)
	Finished func(req Request, took time.Duration, err error)
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithObserver sets lifecycle callbacks.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.obs = o }
}

// WithNow overrides the time source used for backoff deadlines.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type call struct {
	done chan struct{}
	err  error
}

// Scheduler serialises fetches for one context.
type Scheduler struct {
	cfg   Config
	fetch FetchFunc
	obs   Observer
	log   *slog.Logger
	now   func() time.Time

	base   context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	inflight     *call
	backoffUntil time.Time
	followUp     Reason
	online       bool
	closed       bool

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts a scheduler. The interval timer, when configured, starts immediately;
// no fetch is issued until the first trigger.
func New(fetch FetchFunc, cfg Config, opts ...Option) *Scheduler {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	s := &Scheduler{
		cfg:    cfg,
		fetch:  fetch,
		log:    slog.Default(),
		now:    time.Now,
		online: true,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base, s.cancel = context.WithCancel(context.Background())

	if cfg.Interval > 0 {
		s.wg.Add(1)
		go s.tick()
	}
	return s
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() State {
	if s.inflight != nil {
		return StateFetching
	}
	if s.backingOffLocked() {
		return StateBackoff
	}
	return StateIdle
}

func (s *Scheduler) backingOffLocked() bool {
	return !s.backoffUntil.IsZero() && s.now().Before(s.backoffUntil)
}

// Trigger requests a background fetch. It reports whether a fetch was started;
// triggers arriving while fetching or backing off are dropped.
func (s *Scheduler) Trigger(reason Reason) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.inflight != nil || s.backingOffLocked() {
		state := s.stateLocked()
		s.mu.Unlock()
		s.dropped(reason, state)
		return false
	}
	s.startLocked(Request{Reason: reason})
	s.mu.Unlock()
	return true
}

// Resync behaves like Trigger when idle. When a fetch is in flight it marks one
// follow-up fetch that starts as soon as the current one finishes; repeated calls
// coalesce into that single follow-up. It reports whether a fetch started now.
//
// Resync is the one exception to dropping triggers during a fetch: the fetch in
// flight may have read the backend before the change being announced.
func (s *Scheduler) Resync(reason Reason) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.inflight != nil {
		if s.followUp != "" {
			s.mu.Unlock()
			s.dropped(reason, StateFetching)
			return false
		}
		s.followUp = reason
		s.mu.Unlock()
		return false
	}
	if s.backingOffLocked() {
		s.mu.Unlock()
		s.dropped(reason, StateBackoff)
		return false
	}
	s.startLocked(Request{Reason: reason})
	s.mu.Unlock()
	return true
}

// Do runs an explicit fetch and returns its error. A plain refresh shares a fetch
// already in flight; any other request waits for it and then runs its own.
func (s *Scheduler) Do(ctx context.Context, req Request) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Reason == "" {
		req.Reason = ReasonExplicit
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		c := s.inflight
		started := false
		if c == nil {
			c = s.startLocked(req)
			started = true
		}
		s.mu.Unlock()

		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if started || req.joinable() {
			return c.err
		}
	}
}

// Focus signals that the context regained focus.
func (s *Scheduler) Focus() bool {
	if !s.cfg.OnFocus || !s.backgroundAllowed() {
		return false
	}
	return s.Trigger(ReasonFocus)
}

// SetOnline records connectivity. Going from offline to online triggers a refresh.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	s.mu.Unlock()

	if online && !was {
		s.Trigger(ReasonOnline)
	}
}

// Online reports the last connectivity recorded by SetOnline.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Close stops the timer, cancels the fetch in flight and waits for both to exit.
// It must not be called from a FetchFunc.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stop)
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *Scheduler) backgroundAllowed() bool {
	if s.cfg.WhenOffline {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Scheduler) tick() {
	defer s.wg.Done()

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if !s.backgroundAllowed() {
				s.dropped(ReasonInterval, StateIdle)
				continue
			}
			s.Trigger(ReasonInterval)
		}
	}
}

func (s *Scheduler) startLocked(req Request) *call {
	c := &call{done: make(chan struct{})}
	s.inflight = c
	s.wg.Add(1)
	go s.run(c, req)
	return c
}

func (s *Scheduler) run(c *call, req Request) {
	defer s.wg.Done()

	if s.obs.Started != nil {
		s.obs.Started(req)
	}

	ctx, cancel := context.WithTimeout(s.base, s.cfg.FetchTimeout)
	start := s.now()
	err := s.safeFetch(ctx, req)
	took := s.now().Sub(start)
	cancel()

	if s.obs.Finished != nil {
		s.obs.Finished(req, took, err)
	}

	s.mu.Lock()
	s.inflight = nil
	switch {
	case err == nil:
		s.backoffUntil = time.Time{}
	case s.cfg.Backoff > 0 && !s.closed:
		s.backoffUntil = s.now().Add(s.cfg.Backoff)
	}
	if next := s.followUp; next != "" {
		s.followUp = ""
		if !s.closed && !s.backingOffLocked() {
			s.startLocked(Request{Reason: next})
		}
	}
	s.mu.Unlock()

	if err != nil && !req.Reason.CallerInitiated() {
		s.log.Warn("goauthsync: background refresh failed", "reason", string(req.Reason), "error", err)
	}

	c.err = err
	close(c.done)
}

func (s *Scheduler) safeFetch(ctx context.Context, req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goauthsync: refresh panicked", "reason", string(req.Reason), "panic", r)
			err = errors.New("refresh panicked")
		}
	}()
	if s.fetch == nil {
		return nil
	}
	return s.fetch(ctx, req)
}

func (s *Scheduler) dropped(reason Reason, state State) {
	s.log.Debug("goauthsync: refresh trigger dropped", "reason", string(reason), "state", state.String())
	if s.obs.Dropped != nil {
		s.obs.Dropped(reason)
	}
}
