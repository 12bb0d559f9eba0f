// Package zap provides the zap-backed implementation of the eventkit log
// contract. Log entries emitted with a context carrying an active
// OpenTelemetry span gain trace_id and span_id fields automatically.
package zap

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	logpkg "github.com/onuraltintas/lib-eventkit/eventkit/log"
)

// Logger implements log.Logger on top of go.uber.org/zap.
type Logger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

// Option configures the logger at construction.
type Option func(*config)

type config struct {
	level       logpkg.Level
	development bool
	fields      []zap.Field
}

// WithLevel sets the minimum emitted level.
func WithLevel(level logpkg.Level) Option {
	return func(cfg *config) {
		cfg.level = level
	}
}

// WithDevelopment switches to a console encoder with human-readable output.
func WithDevelopment() Option {
	return func(cfg *config) {
		cfg.development = true
	}
}

// WithInitialFields attaches fields to every entry (e.g. service name).
func WithInitialFields(kv map[string]string) Option {
	return func(cfg *config) {
		for key, value := range kv {
			if strings.TrimSpace(key) == "" {
				continue
			}

			cfg.fields = append(cfg.fields, zap.String(key, value))
		}
	}
}

// New creates a production JSON logger writing to stderr.
func New(opts ...Option) *Logger {
	cfg := config{level: logpkg.LevelInfo}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	atomicLevel := zap.NewAtomicLevelAt(levelToZap(cfg.level))

	zapCfg := zap.NewProductionConfig()
	if cfg.development {
		zapCfg = zap.NewDevelopmentConfig()
	}

	zapCfg.Level = atomicLevel

	logger, err := zapCfg.Build(zap.Fields(cfg.fields...))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{logger: logger, atomicLevel: atomicLevel}
}

// Wrap adapts an existing zap logger.
func Wrap(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Logger{logger: logger, atomicLevel: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func (l *Logger) must() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log implements log.Logger.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
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
	case logpkg.LevelDebug:
		l.must().Debug(msg, zapFields...)
	case logpkg.LevelInfo:
		l.must().Info(msg, zapFields...)
	case logpkg.LevelWarn:
		l.must().Warn(msg, zapFields...)
	case logpkg.LevelError:
		l.must().Error(msg, zapFields...)
	default:
		l.must().Info(msg, zapFields...)
	}
}

// With returns a child logger with additional fields.
//
//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return &Logger{
		logger:      l.must().With(fieldsToZap(fields)...),
		atomicLevel: l.atomicLevelOrDefault(),
	}
}

// Enabled reports whether the logger emits at the given level.
func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.must().Core().Enabled(levelToZap(level))
}

// Sync flushes buffered entries, respecting context cancellation.
func (l *Logger) Sync(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

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

// SetLevel changes the emitted level at runtime.
func (l *Logger) SetLevel(level logpkg.Level) {
	if l == nil {
		return
	}

	l.atomicLevel.SetLevel(levelToZap(level))
}

func (l *Logger) atomicLevelOrDefault() zap.AtomicLevel {
	if l == nil {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return l.atomicLevel
}

func levelToZap(level logpkg.Level) zapcore.Level {
	switch level {
	case logpkg.LevelDebug:
		return zapcore.DebugLevel
	case logpkg.LevelInfo:
		return zapcore.InfoLevel
	case logpkg.LevelWarn:
		return zapcore.WarnLevel
	case logpkg.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func fieldsToZap(fields []logpkg.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	zapFields := make([]zap.Field, 0, len(fields))

	for _, field := range fields {
		if field.Key == "" {
			continue
		}

		switch value := field.Value.(type) {
		case string:
			zapFields = append(zapFields, zap.String(field.Key, value))
		case int:
			zapFields = append(zapFields, zap.Int(field.Key, value))
		case int64:
			zapFields = append(zapFields, zap.Int64(field.Key, value))
		case bool:
			zapFields = append(zapFields, zap.Bool(field.Key, value))
		case error:
			zapFields = append(zapFields, zap.NamedError(field.Key, value))
		default:
			zapFields = append(zapFields, zap.Any(field.Key, value))
		}
	}

	return zapFields
}
