package log

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger is the zap-backed Logger implementation.
//
// If the context carries an active OpenTelemetry span, trace_id and span_id
// are appended so log lines correlate with distributed traces.
type ZapLogger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

var _ Logger = (*ZapLogger)(nil)

// NewZap creates a production JSON logger at the given level.
func NewZap(level Level) (*ZapLogger, error) {
	atomicLevel := zap.NewAtomicLevelAt(levelToZap(level))

	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{logger: logger, atomicLevel: atomicLevel}, nil
}

// WrapZap adapts an existing *zap.Logger.
func WrapZap(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger, atomicLevel: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

func (l *ZapLogger) must() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log dispatches to the appropriate zap level.
func (l *ZapLogger) Log(ctx context.Context, level Level, msg string, fields ...Field) {
	zapFields := fieldsToZap(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	switch level {
	case LevelDebug:
		l.must().Debug(msg, zapFields...)
	case LevelInfo:
		l.must().Info(msg, zapFields...)
	case LevelWarn:
		l.must().Warn(msg, zapFields...)
	case LevelError:
		l.must().Error(msg, zapFields...)
	default:
		l.must().Info(msg, zapFields...)
	}
}

// With returns a child logger with additional structured fields.
//
//nolint:ireturn
func (l *ZapLogger) With(fields ...Field) Logger {
	return &ZapLogger{
		logger:      l.must().With(fieldsToZap(fields)...),
		atomicLevel: l.atomicLevel,
	}
}

// Enabled reports whether the logger would emit a log at the given level.
func (l *ZapLogger) Enabled(level Level) bool {
	return l.must().Core().Enabled(levelToZap(level))
}

// Sync flushes buffered logs, respecting context cancellation.
func (l *ZapLogger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.must().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func levelToZap(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// controlCharReplacer escapes control characters that can be used for log
// injection (CWE-117) when a console encoder is in use. The JSON encoder
// escapes them on its own.
var controlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func fieldsToZap(fields []Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))

	for i, f := range fields {
		if s, ok := f.Value.(string); ok {
			zapFields[i] = zap.String(f.Key, controlCharReplacer.Replace(s))

			continue
		}

		zapFields[i] = zap.Any(f.Key, f.Value)
	}

	return zapFields
}
