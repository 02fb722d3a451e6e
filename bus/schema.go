package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Schema describes the expected shape of one event type's payload: a struct
// prototype carrying validator tags, plus the schema version stamped into
// emitted envelopes. Validation is strict JSON decoding (unknown fields
// rejected) followed by tag validation of the decoded struct.
type Schema struct {
	prototype reflect.Type
	version   int
}

// NewSchema builds a schema from a struct prototype. The prototype may be a
// struct value or a pointer to one; only its type is retained.
func NewSchema(prototype any, version int) (Schema, error) {
	if prototype == nil {
		return Schema{}, ErrSchemaRequired
	}

	prototypeType := reflect.TypeOf(prototype)
	if prototypeType.Kind() == reflect.Pointer {
		prototypeType = prototypeType.Elem()
	}

	if prototypeType.Kind() != reflect.Struct {
		return Schema{}, fmt.Errorf("%w: got %s", ErrSchemaNotStruct, prototypeType.Kind())
	}

	if version < 1 {
		version = 1
	}

	return Schema{prototype: prototypeType, version: version}, nil
}

// MustSchema is NewSchema that panics on error, for bootstrap-time registration.
func MustSchema(prototype any, version int) Schema {
	schema, err := NewSchema(prototype, version)
	if err != nil {
		panic(err)
	}

	return schema
}

// Version returns the schema version stamped into event metadata.
func (schema Schema) Version() int {
	return schema.version
}

// IsZero reports whether the schema has no prototype.
func (schema Schema) IsZero() bool {
	return schema.prototype == nil
}

// validate decodes payload strictly into a fresh prototype instance and runs
// tag validation, translating failures into *ValidationError.
func (schema Schema) validate(vld *validator.Validate, eventType string, payload []byte) error {
	if schema.IsZero() {
		return ErrSchemaRequired
	}

	target := reflect.New(schema.prototype).Interface()

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(target); err != nil {
		return decodeValidationError(eventType, err)
	}

	if err := decoder.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return &ValidationError{
			EventType: eventType,
			Fields: []FieldError{{
				Rule:    "json",
				Message: "payload contains trailing data after the JSON document",
			}},
		}
	}

	if err := vld.Struct(target); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return structValidationError(eventType, validationErrors)
		}

		return fmt.Errorf("validating payload for %q: %w", eventType, err)
	}

	return nil
}

func decodeValidationError(eventType string, err error) *ValidationError {
	field := FieldError{
		Rule:    "json",
		Message: "payload is not valid JSON for this event type",
	}

	var unmarshalErr *json.UnmarshalTypeError
	if errors.As(err, &unmarshalErr) {
		field.Field = unmarshalErr.Field
		field.Message = fmt.Sprintf("field '%s' has type %s, expected %s",
			unmarshalErr.Field, unmarshalErr.Value, unmarshalErr.Type)
	} else if strings.Contains(err.Error(), "unknown field") {
		field.Rule = "unknown_field"
		field.Message = err.Error()
	}

	return &ValidationError{EventType: eventType, Fields: []FieldError{field}}
}

func structValidationError(eventType string, validationErrors validator.ValidationErrors) *ValidationError {
	fields := make([]FieldError, 0, len(validationErrors))

	for _, fieldErr := range validationErrors {
		field := toSnakeCase(fieldErr.Field())
		fields = append(fields, FieldError{
			Field:   field,
			Rule:    fieldErr.Tag(),
			Param:   fieldErr.Param(),
			Message: formatFieldError(field, fieldErr.Tag(), fieldErr.Param()),
		})
	}

	return &ValidationError{EventType: eventType, Fields: fields}
}

func formatFieldError(field, rule, param string) string {
	switch rule {
	case "required":
		return fmt.Sprintf("field '%s' is required", field)
	case "max":
		return fmt.Sprintf("field '%s' must be at most %s", field, param)
	case "min":
		return fmt.Sprintf("field '%s' must be at least %s", field, param)
	case "gt":
		return fmt.Sprintf("field '%s' must be greater than %s", field, param)
	case "gte":
		return fmt.Sprintf("field '%s' must be at least %s", field, param)
	case "lt":
		return fmt.Sprintf("field '%s' must be less than %s", field, param)
	case "lte":
		return fmt.Sprintf("field '%s' must be at most %s", field, param)
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of [%s]", field, param)
	case "uuid":
		return fmt.Sprintf("field '%s' must be a valid UUID", field)
	case "email":
		return fmt.Sprintf("field '%s' must be a valid email", field)
	default:
		return fmt.Sprintf("field '%s' failed '%s' check", field, rule)
	}
}

func toSnakeCase(name string) string {
	var result strings.Builder

	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteByte('_')
		}

		result.WriteRune(r)
	}

	return strings.ToLower(result.String())
}

type schemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

func newSchemaRegistry() *schemaRegistry {
	return &schemaRegistry{schemas: make(map[string]Schema)}
}

// register stores a schema for the event type. Last writer wins.
func (registry *schemaRegistry) register(eventType string, schema Schema) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.schemas[eventType] = schema
}

func (registry *schemaRegistry) lookup(eventType string) (Schema, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	schema, ok := registry.schemas[eventType]

	return schema, ok
}
