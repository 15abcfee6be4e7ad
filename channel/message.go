package channel

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Event identifies what a notification is about.
type Event string

const (
	// EventSession signals that the sender's session state changed.
	EventSession Event = "session"
)

// Trigger names the operation that produced a notification.
type Trigger string

const (
	TriggerGetSession Trigger = "getSession"
	TriggerUpdate     Trigger = "update"
	TriggerSignIn     Trigger = "signin"
	TriggerSignOut    Trigger = "signout"
)

// ErrInvalidMessage is returned when a decoded frame is missing required fields.
var ErrInvalidMessage = errors.New("invalid channel message")

// Stamp is the freshness marker of a notification.
//
// Stamps are totally ordered: by Wall, then by Origin.
type Stamp struct {
	Wall   int64  `json:"wall"`
	Origin string `json:"origin"`
}

// IsZero reports whether the stamp was never assigned.
func (s Stamp) IsZero() bool {
	return s.Wall == 0 && s.Origin == ""
}

// Before reports whether s is older than o.
func (s Stamp) Before(o Stamp) bool {
	if s.Wall != o.Wall {
		return s.Wall < o.Wall
	}
	return s.Origin < o.Origin
}

// Time returns the wall component as a time.
func (s Stamp) Time() time.Time {
	return time.Unix(0, s.Wall)
}

// Clock issues strictly increasing stamps for one origin and absorbs the stamps it
// observes from other origins, so local stamps always order after anything seen.
type Clock struct {
	origin string
	now    func() time.Time

	mu   sync.Mutex
	last int64
}

// NewClock returns a clock for origin using the system time.
func NewClock(origin string) *Clock {
	return NewClockWithTime(origin, time.Now)
}

// NewClockWithTime returns a clock reading wall time from now.
func NewClockWithTime(origin string, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{origin: origin, now: now}
}

// Next returns a stamp newer than every stamp issued or observed so far.
func (c *Clock) Next() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.now().UnixNano()
	if wall <= c.last {
		wall = c.last + 1
	}
	c.last = wall
	return Stamp{Wall: wall, Origin: c.origin}
}

// Observe folds a remote stamp into the clock.
func (c *Clock) Observe(s Stamp) {
	c.mu.Lock()
	if s.Wall > c.last {
		c.last = s.Wall
	}
	c.mu.Unlock()
}

// Message is one change notification.
type Message struct {
	Event   Event   `json:"event"`
	Origin  string  `json:"origin"`
	Stamp   Stamp   `json:"stamp"`
	Trigger Trigger `json:"trigger,omitempty"`
}

// Validate checks the fields every transport relies on.
func (m Message) Validate() error {
	if m.Event == "" || m.Origin == "" || m.Stamp.Wall <= 0 {
		return ErrInvalidMessage
	}
	return nil
}

// Encode serialises m for network transports.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a frame produced by Encode.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
