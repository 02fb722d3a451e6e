package outbox

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Cursor is a forward-only seek position over dead-lettered entries, ordered
// by (CreatedAt, ID) ascending. The zero Cursor starts from the beginning.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        uuid.UUID `json:"id"`
}

// IsZero reports whether the cursor is the start-of-listing position.
func (cursor Cursor) IsZero() bool {
	return cursor.ID == uuid.Nil && cursor.CreatedAt.IsZero()
}

// After reports whether the entry sorts strictly after the cursor position.
func (cursor Cursor) After(entry *Entry) bool {
	if entry == nil {
		return false
	}

	if entry.CreatedAt.After(cursor.CreatedAt) {
		return true
	}

	if !entry.CreatedAt.Equal(cursor.CreatedAt) {
		return false
	}

	return entry.ID.String() > cursor.ID.String()
}

// Encode serializes the cursor into an opaque token. The zero cursor encodes
// to the empty string.
func (cursor Cursor) Encode() string {
	if cursor.IsZero() {
		return ""
	}

	raw, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}

	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an opaque token produced by Encode. The empty token
// decodes to the zero cursor.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}

	var cursor Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}

	return cursor, nil
}
