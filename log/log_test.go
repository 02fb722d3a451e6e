//go:build unit

package log

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedEntry struct {
	level  Level
	msg    string
	fields []Field
}

type captureLogger struct {
	mu      sync.Mutex
	entries []capturedEntry
}

func (l *captureLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, capturedEntry{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) With(_ ...Field) Logger { return l }

func (l *captureLogger) Enabled(_ Level) bool { return true }

func (l *captureLogger) Sync(_ context.Context) error { return nil }

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "unknown", Level(200).String())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"Error", LevelError},
	}

	for _, tt := range tests {
		level, err := ParseLevel(tt.input)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, level)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestFieldConstructors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Field{Key: "k", Value: "v"}, String("k", "v"))
	assert.Equal(t, Field{Key: "n", Value: 42}, Int("n", 42))
	assert.Equal(t, Field{Key: "ok", Value: true}, Bool("ok", true))
	assert.Equal(t, Field{Key: "anything", Value: 1.5}, Any("anything", 1.5))

	err := errors.New("boom")
	assert.Equal(t, Field{Key: "error", Value: err}, Err(err))
}

func TestSafeError(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	ctx := context.Background()

	SafeError(logger, ctx, "operation failed", errors.New("boom"), false)
	SafeError(logger, ctx, "operation degraded", errors.New("slow"), true)
	SafeError(logger, ctx, "ignored", nil, false)
	SafeError(nil, ctx, "ignored", errors.New("boom"), false)

	require.Len(t, logger.entries, 2)
	assert.Equal(t, LevelError, logger.entries[0].level)
	assert.Equal(t, "operation failed", logger.entries[0].msg)
	assert.Equal(t, LevelWarn, logger.entries[1].level)
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	logger.Log(context.Background(), LevelError, "discarded")
	assert.Same(t, logger, logger.With(String("k", "v")))
	assert.False(t, logger.Enabled(LevelError))
	require.NoError(t, logger.Sync(context.Background()))
}
