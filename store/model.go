package store

import (
	"bytes"
	"encoding/json"
	"time"
)

// Status is the resolution state of a context's session.
type Status uint8

const (
	// StatusPending means the first fetch has not resolved yet.
	StatusPending Status = iota
	// StatusAuthenticated means a valid session is cached.
	StatusAuthenticated
	// StatusUnauthenticated means there is no session, or the server confirmed none exists.
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status with its lower-case name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// User is the identity block carried by most session payloads.
type User struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Image string `json:"image,omitempty"`
}

// Session is the opaque payload returned by the session endpoint.
//
// Only Expires is interpreted. User is decoded for convenience and every other
// top-level field is preserved verbatim in Extra.
type Session struct {
	User    *User
	Expires time.Time
	Extra   map[string]json.RawMessage
}

type sessionWire struct {
	User    *User     `json:"user,omitempty"`
	Expires time.Time `json:"expires"`
}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra.
func (s *Session) UnmarshalJSON(data []byte) error {
	var wire sessionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "user")
	delete(all, "expires")
	if len(all) == 0 {
		all = nil
	}

	s.User = wire.User
	s.Expires = wire.Expires
	s.Extra = all
	return nil
}

// MarshalJSON re-assembles the payload, Extra fields first so that User and
// Expires always win on a name clash.
func (s Session) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+2)
	for k, v := range s.Extra {
		out[k] = v
	}
	if s.User != nil {
		out["user"] = s.User
	}
	out["expires"] = s.Expires
	return json.Marshal(out)
}

// Decode unmarshals the whole payload into v, for callers with their own session shape.
func (s *Session) Decode(v any) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{Expires: s.Expires}
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if len(s.Extra) > 0 {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// SameUser reports whether both sessions are absent or belong to the same user.
// Extra data and expiry are ignored.
func (s *Session) SameUser(other *Session) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	if s.User == nil || other.User == nil {
		return s.User == nil && other.User == nil
	}
	return *s.User == *other.User
}

// SameIdentity reports whether two sessions carry the same user and extra data.
// Expires is ignored: it moves on every sliding refresh without the session changing.
func (s *Session) SameIdentity(other *Session) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	switch {
	case s.User == nil && other.User != nil, s.User != nil && other.User == nil:
		return false
	case s.User != nil && *s.User != *other.User:
		return false
	}
	if len(s.Extra) != len(other.Extra) {
		return false
	}
	for k, v := range s.Extra {
		ov, ok := other.Extra[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Snapshot is an immutable view of the store at one instant.
type Snapshot struct {
	Session *Session
	Status  Status
	Version uint64
}
