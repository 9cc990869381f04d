// Package events emits message lifecycle updates to an external stream so
// operators can monitor dispatch outcomes, including jobs the queue layer has
// given up on. Publish failures never affect the dispatch state machine.
package events

import (
	"context"
	"time"

	"github.com/example/message-dispatch/internal/message"
)

// Event types mirror the lifecycle transitions of a message.
const (
	EventQueued  = "queued"
	EventSending = "sending"
	EventSent    = "sent"
	EventFailed  = "failed"
	EventRetry   = "retry"
)

// Event is a lifecycle update for a single message.
type Event struct {
	MessageID  string    `json:"message_id"`
	Channel    string    `json:"channel"`
	Type       string    `json:"event_type"`
	RetryCount int       `json:"retry_count,omitempty"`
	Error      string    `json:"error,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher emits lifecycle events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// FromMessage builds an event from the message's current state.
func FromMessage(m *message.Message, eventType string) Event {
	ev := Event{
		MessageID:  m.ID,
		Channel:    string(m.Type),
		Type:       eventType,
		RetryCount: m.RetryCount,
		TraceID:    m.TraceID,
		Timestamp:  time.Now().UTC(),
	}
	if eventType == EventFailed {
		ev.Error = m.Error
	}
	return ev
}

// NopPublisher discards all events. Used when the event stream is disabled.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }
