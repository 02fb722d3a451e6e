// Package runtime provides panic containment for background goroutines.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/Croodo/lib-eventbus/log"
)

// PanicPolicy controls what happens after a recovered panic.
type PanicPolicy int

const (
	// KeepRunning logs the panic and continues execution.
	KeepRunning PanicPolicy = iota
	// CrashProcess logs the panic and re-panics.
	CrashProcess
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use in defer statements for handlers and workers
// where a panic must not take the process down.
func RecoverAndLog(logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		logPanic(context.Background(), logger, component, name, r, debug.Stack())
	}
}

// RecoverAndLogWithContext is RecoverAndLog with a context for trace correlation.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		logPanic(ctx, logger, component, name, r, debug.Stack())
	}
}

// LogRecovered logs a panic value already captured by the caller's own
// recover, with the current stack.
func LogRecovered(ctx context.Context, logger log.Logger, component, name string, panicValue any) {
	logPanic(ctx, logger, component, name, panicValue, debug.Stack())
}

// SafeGo runs fn on a new goroutine with panic handling per policy.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(context.Background(), logger, "runtime", name, r, debug.Stack())

				if policy == CrashProcess {
					panic(r)
				}
			}
		}()

		fn()
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "recovered from panic",
		log.String("component", component),
		log.String("goroutine", name),
		log.String("panic", formatPanicValue(panicValue)),
		log.String("stack", string(stack)),
	)
}

func formatPanicValue(panicValue any) string {
	switch v := panicValue.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
