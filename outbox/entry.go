package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	eventbus "github.com/Croodo/lib-eventbus"
)

// DefaultMaxPayloadBytes caps serialized payload size at insert time.
const DefaultMaxPayloadBytes = 1 << 20

// Entry is a durably queued event delivery. It is created PENDING by
// reliable emission and owned by the claiming worker until it reaches a
// terminal state.
type Entry struct {
	ID          uuid.UUID
	EventType   string
	Payload     json.RawMessage
	Meta        eventbus.EventMeta
	Status      Status
	Attempts    int
	LastError   string
	NextRetryAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewEntry creates a valid outbox entry initialized as pending from a fully
// stamped event envelope.
func NewEntry(event eventbus.Event) (*Entry, error) {
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if event.Meta.EventID == uuid.Nil {
		return nil, ErrIDRequired
	}

	if len(event.Payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(event.Payload) > DefaultMaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(event.Payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Entry{
		ID:        event.Meta.EventID,
		EventType: eventType,
		Payload:   event.Payload,
		Meta:      event.Meta,
		Status:    StatusPending,
		Attempts:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Event rebuilds the envelope for redispatch.
func (entry *Entry) Event() eventbus.Event {
	return eventbus.Event{
		Type:    entry.EventType,
		Payload: entry.Payload,
		Meta:    entry.Meta,
	}
}

// Due reports whether the entry is claimable at now: pending, or processing
// with an elapsed retry schedule.
func (entry *Entry) Due(now time.Time) bool {
	if entry == nil {
		return false
	}

	switch entry.Status {
	case StatusPending:
		return true
	case StatusProcessing:
		return entry.NextRetryAt != nil && !entry.NextRetryAt.After(now)
	default:
		return false
	}
}

// Clone returns a deep copy. Storage adapters hand out clones so callers
// cannot mutate stored state.
func (entry *Entry) Clone() *Entry {
	if entry == nil {
		return nil
	}

	clone := *entry
	clone.Payload = append(json.RawMessage(nil), entry.Payload...)

	if entry.NextRetryAt != nil {
		next := *entry.NextRetryAt
		clone.NextRetryAt = &next
	}

	return &clone
}
