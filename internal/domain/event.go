package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies a kind of core event.
type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventTurnAppended   EventType = "turn.appended"
	EventMessageRouted  EventType = "message.routed"
	EventMessageFailed  EventType = "message.failed"
	EventNodeRegistered EventType = "node.registered"
	EventNodeRemoved    EventType = "node.removed"
	EventStoreDegraded  EventType = "store.degraded"
	EventSessionsSwept  EventType = "sessions.swept"
)

// Event is a core notification published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes a single event.
type EventHandler func(ctx context.Context, event Event)

// EventSink is the narrow publishing side of the event bus. Components that
// only emit events depend on this instead of the concrete bus.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}
