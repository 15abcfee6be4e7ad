package goAuthSync

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event types emitted to an EventSink.
const (
	EventStatusChanged    = "status_changed"
	EventSessionChanged   = "session_changed"
	EventFetchFailed      = "fetch_failed"
	EventSignIn           = "signin"
	EventSignOut          = "signout"
	EventRequiredRedirect = "required_redirect"
	EventChannelDegraded  = "channel_degraded"
)

// SessionEvent is one lifecycle record of a Client.
type SessionEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	ContextID string            `json:"context_id"`
	Status    string            `json:"status,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EventSink receives SessionEvents from the asynchronous dispatcher.
type EventSink interface {
	Emit(ctx context.Context, event SessionEvent)
}

// NoOpSink discards events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, SessionEvent) {}

// ChannelSink exposes events on a buffered Go channel.
type ChannelSink struct {
	events chan SessionEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan SessionEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event SessionEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan SessionEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event SessionEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
