//go:build unit

package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Croodo/lib-eventbus/log"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (l *recordingLogger) Log(_ context.Context, _ log.Level, _ string, fields ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := make(map[string]any, len(fields))
	for _, field := range fields {
		entry[field.Key] = field.Value
	}

	l.entries = append(l.entries, entry)
}

func (l *recordingLogger) With(_ ...log.Field) log.Logger { return l }

func (l *recordingLogger) Enabled(_ log.Level) bool { return true }

func (l *recordingLogger) Sync(_ context.Context) error { return nil }

func (l *recordingLogger) snapshot() []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]map[string]any(nil), l.entries...)
}

func TestRecoverAndLog_SwallowsPanic(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}

	require.NotPanics(t, func() {
		defer RecoverAndLog(logger, "worker", "poll_loop")
		panic("exploded")
	})

	entries := logger.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "worker", entries[0]["component"])
	assert.Equal(t, "poll_loop", entries[0]["goroutine"])
	assert.Equal(t, "exploded", entries[0]["panic"])
	assert.NotEmpty(t, entries[0]["stack"])
}

func TestRecoverAndLog_NilLoggerIsSafe(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		defer RecoverAndLog(nil, "worker", "poll_loop")
		panic("exploded")
	})
}

func TestRecoverAndLog_NoPanicNoLog(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}

	func() {
		defer RecoverAndLog(logger, "worker", "poll_loop")
	}()

	assert.Empty(t, logger.snapshot())
}

func TestLogRecovered_FormatsPanicValues(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}
	ctx := context.Background()

	LogRecovered(ctx, logger, "bus", "handler", errors.New("wrapped error"))
	LogRecovered(ctx, logger, "bus", "handler", "plain string")
	LogRecovered(ctx, logger, "bus", "handler", 42)

	entries := logger.snapshot()
	require.Len(t, entries, 3)
	assert.Equal(t, "wrapped error", entries[0]["panic"])
	assert.Equal(t, "plain string", entries[1]["panic"])
	assert.Equal(t, "42", entries[2]["panic"])
}

func TestSafeGo_KeepRunningContainsPanic(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}
	done := make(chan struct{})

	SafeGo(logger, "background", KeepRunning, func() {
		defer close(done)
		panic("background exploded")
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine never finished")
	}

	require.Eventually(t, func() bool {
		return len(logger.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	entries := logger.snapshot()
	assert.Equal(t, "background", entries[0]["goroutine"])
}

func TestSafeGo_RunsFunction(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{})

	SafeGo(nil, "background", KeepRunning, func() {
		close(ran)
	})

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine never ran")
	}
}
