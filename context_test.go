//go:build unit

package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIDContext(t *testing.T) {
	t.Parallel()

	_, ok := CorrelationIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = CorrelationIDFromContext(nil)
	assert.False(t, ok)

	ctx := ContextWithCorrelationID(context.Background(), "  corr-1  ")
	correlationID, ok := CorrelationIDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "corr-1", correlationID)

	// Blank values read back as absent.
	ctx = ContextWithCorrelationID(context.Background(), "   ")
	_, ok = CorrelationIDFromContext(ctx)
	assert.False(t, ok)
}

func TestScopeContext(t *testing.T) {
	t.Parallel()

	_, ok := ScopeFromContext(context.Background())
	assert.False(t, ok)

	ctx := ContextWithScope(context.Background(), Scope{Type: " organization ", ID: " org-1 "})
	scope, ok := ScopeFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "organization", scope.Type)
	assert.Equal(t, "org-1", scope.ID)

	// A scope without an id reads back as absent.
	ctx = ContextWithScope(context.Background(), Scope{Type: "organization"})
	_, ok = ScopeFromContext(ctx)
	assert.False(t, ok)
}
