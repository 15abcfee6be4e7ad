package store

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrStatusRegression is returned when a Set would move a resolved store back to pending.
	ErrStatusRegression = errors.New("session status cannot return to pending")
	// ErrMissingSession is returned when an authenticated status is set without a session.
	ErrMissingSession = errors.New("authenticated status requires a session")
	// ErrInvalidStatus is returned for values outside the Status enum.
	ErrInvalidStatus = errors.New("invalid session status")
)

// Listener receives the snapshot before and after a change.
type Listener func(prev, next Snapshot)

type listenerEntry struct {
	id uint64
	fn Listener
}

type change struct {
	prev Snapshot
	next Snapshot
}

// Store is the in-memory session cache of one context.
//
// Get is lock-free. Set and Subscribe are safe for concurrent use.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu          sync.Mutex
	listeners   []listenerEntry
	nextID      uint64
	queue       []change
	dispatching bool
}

// New creates a store in StatusPending with no session.
func New() *Store {
	s := &Store{}
	s.current.Store(&Snapshot{Status: StatusPending})
	return s
}

// NewSeeded creates a store that starts resolved. A nil seed starts unauthenticated,
// a non-nil seed starts authenticated.
func NewSeeded(seed *Session) *Store {
	s := &Store{}
	if seed == nil {
		s.current.Store(&Snapshot{Status: StatusUnauthenticated})
		return s
	}
	s.current.Store(&Snapshot{Session: seed.Clone(), Status: StatusAuthenticated})
	return s
}

// Get returns the cached session and status. It never blocks.
func (s *Store) Get() (*Session, Status) {
	snap := s.current.Load()
	return snap.Session.Clone(), snap.Status
}

// Snapshot returns the current snapshot including its version.
func (s *Store) Snapshot() Snapshot {
	snap := *s.current.Load()
	snap.Session = snap.Session.Clone()
	return snap
}

// Set overwrites the cached value and notifies listeners.
//
// StatusUnauthenticated always clears the session. The call returns once every
// queued change has been delivered, unless another goroutine is already dispatching,
// in which case the change is handed to that dispatcher.
func (s *Store) Set(sess *Session, status Status) error {
	switch status {
	case StatusPending, StatusAuthenticated, StatusUnauthenticated:
	default:
		return ErrInvalidStatus
	}
	if status == StatusAuthenticated && sess == nil {
		return ErrMissingSession
	}
	if status != StatusAuthenticated {
		sess = nil
	}

	s.mu.Lock()
	prev := *s.current.Load()
	if status == StatusPending && prev.Status != StatusPending {
		s.mu.Unlock()
		return ErrStatusRegression
	}

	next := Snapshot{
		Session: sess.Clone(),
		Status:  status,
		Version: prev.Version + 1,
	}
	s.current.Store(&next)
	s.queue = append(s.queue, change{prev: prev, next: next})

	if s.dispatching {
		s.mu.Unlock()
		return nil
	}
	s.dispatching = true
	s.mu.Unlock()

	s.drain()
	return nil
}

// Subscribe registers fn and returns a function that removes it. Listeners run in
// subscription order.
func (s *Store) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Listeners returns the number of registered listeners.
func (s *Store) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Store) drain() {
	// A panicking listener must not leave the store stuck in dispatching mode.
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.dispatching = false
			s.mu.Unlock()
			panic(r)
		}
	}()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.dispatching = false
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue[0] = change{}
		s.queue = s.queue[1:]
		listeners := make([]listenerEntry, len(s.listeners))
		copy(listeners, s.listeners)
		s.mu.Unlock()

		for _, l := range listeners {
			l.fn(c.prev, c.next)
		}
	}
}
