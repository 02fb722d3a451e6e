package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventMeta carries the envelope metadata stamped at emission time.
type EventMeta struct {
	EventID       uuid.UUID `json:"eventId"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schemaVersion"`
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	ScopeType     string    `json:"scopeType,omitempty"`
	ScopeID       string    `json:"scopeId,omitempty"`
}

// Event is a domain event envelope. Payload is the schema-validated JSON
// document; Type must be registered with the bus at emission time.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    EventMeta       `json:"meta"`
}

// Handler consumes one event. Returning an error on the reliable-delivery
// path makes the outbox worker retry the entry.
type Handler func(ctx context.Context, event Event) error

// Unsubscribe removes the subscription it was returned for. Calling it more
// than once is a no-op.
type Unsubscribe func()
