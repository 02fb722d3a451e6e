package eventbus

import (
	"context"
	"strings"
)

type correlationIDContextKey struct{}

type scopeContextKey struct{}

// Scope identifies the tenant boundary an operation runs under.
type Scope struct {
	Type string
	ID   string
}

// ContextWithCorrelationID returns a context carrying the correlation id
// stamped onto every event emitted within it.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, correlationIDContextKey{}, strings.TrimSpace(correlationID))
}

// CorrelationIDFromContext reads the ambient correlation id.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	correlationID, ok := ctx.Value(correlationIDContextKey{}).(string)
	if !ok || correlationID == "" {
		return "", false
	}

	return correlationID, true
}

// ContextWithScope returns a context carrying the tenant scope stamped onto
// every event emitted within it.
func ContextWithScope(ctx context.Context, scope Scope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	scope.Type = strings.TrimSpace(scope.Type)
	scope.ID = strings.TrimSpace(scope.ID)

	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext reads the ambient tenant scope.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}

	scope, ok := ctx.Value(scopeContextKey{}).(Scope)
	if !ok || scope.ID == "" {
		return Scope{}, false
	}

	return scope, true
}
