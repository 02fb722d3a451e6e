package bus

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnregisteredEvent  = errors.New("event type is not registered")
	ErrStoreNotConfigured = errors.New("outbox store is not configured")
	ErrTxNotSupported     = errors.New("outbox store does not support transactional insert")
	ErrTxRequired         = errors.New("transaction is required")
	ErrEventTypeRequired  = errors.New("event type is required")
	ErrHandlerRequired    = errors.New("handler is required")
	ErrSchemaRequired     = errors.New("schema prototype is required")
	ErrSchemaNotStruct    = errors.New("schema prototype must be a struct or pointer to struct")
	ErrTooManyHandlers    = errors.New("handler limit exceeded for event type")
	ErrLoggerRequired     = errors.New("logger is required")
)

// FieldError describes one payload field that failed validation.
type FieldError struct {
	Field   string
	Rule    string
	Param   string
	Message string
}

// ValidationError reports why a payload was rejected for an event type. It
// carries per-field diagnostics so emitters can surface actionable messages.
type ValidationError struct {
	EventType string
	Fields    []FieldError
}

func (validationErr *ValidationError) Error() string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "payload validation failed for %q", validationErr.EventType)

	for i, field := range validationErr.Fields {
		if i == 0 {
			builder.WriteString(": ")
		} else {
			builder.WriteString("; ")
		}

		builder.WriteString(field.Message)
	}

	return builder.String()
}
