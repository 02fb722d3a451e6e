package outbox

import "errors"

var (
	ErrEntryRequired        = errors.New("outbox entry is required")
	ErrEntryNotFound        = errors.New("outbox entry not found")
	ErrStoreRequired        = errors.New("outbox store is required")
	ErrDispatcherRequired   = errors.New("outbox dispatcher is required")
	ErrPayloadRequired      = errors.New("outbox entry payload is required")
	ErrPayloadTooLarge      = errors.New("outbox entry payload exceeds maximum allowed size")
	ErrPayloadNotJSON       = errors.New("outbox entry payload must be valid JSON")
	ErrEventTypeRequired    = errors.New("event type is required")
	ErrIDRequired           = errors.New("id is required")
	ErrLimitMustBePositive  = errors.New("limit must be greater than zero")
	ErrBatchTooLarge        = errors.New("batch exceeds maximum allowed size")
	ErrStatusInvalid        = errors.New("invalid outbox status")
	ErrTransitionInvalid    = errors.New("invalid outbox status transition")
	ErrStateConflict        = errors.New("outbox entry state transition conflict")
	ErrInvalidCursor        = errors.New("invalid pagination cursor")
	ErrNotDead              = errors.New("outbox entry is not dead-lettered")
)
