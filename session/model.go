package session

import (
	"encoding/json"
	"time"
)

// Record is one server-side session.
type Record struct {
	ID     string
	UserID string
	Name   string
	Email  string

	// Data is a JSON object merged into the session payload.
	Data json.RawMessage

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
