// Package logtrace provides zap-backed structured logging with correlation
// IDs carried in context.
package logtrace

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const correlationIDKey ctxKey = iota

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Setup initializes the global logger. service and version are attached to
// every record.
func Setup(service, version string, level slog.Level) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zapLevel(level),
	)
	l := zap.New(core).With(
		zap.String("service", service),
		zap.String("version", version),
	)

	mu.Lock()
	logger = l
	mu.Unlock()
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level <= slog.LevelDebug:
		return zapcore.DebugLevel
	case level <= slog.LevelInfo:
		return zapcore.InfoLevel
	case level <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// NewCorrelationID returns a fresh correlation ID.
func NewCorrelationID() string {
	return uuid.NewString()
}

// CtxWithCorrelationID returns a context carrying the given correlation ID.
func CtxWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation ID carried by ctx, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

func log(ctx context.Context, level zapcore.Level, msg string, fields Fields) {
	mu.RLock()
	l := logger
	mu.RUnlock()

	zfields := make([]zap.Field, 0, len(fields)+1)
	if id := CorrelationID(ctx); id != "" {
		zfields = append(zfields, zap.String(FieldCorrelationID, id))
	}
	for key, value := range fields {
		zfields = append(zfields, zap.Any(key, value))
	}
	if ce := l.Check(level, msg); ce != nil {
		ce.Write(zfields...)
	}
}

// Debug logs at debug level with structured fields.
func Debug(ctx context.Context, msg string, fields Fields) {
	log(ctx, zapcore.DebugLevel, msg, fields)
}

// Info logs at info level with structured fields.
func Info(ctx context.Context, msg string, fields Fields) {
	log(ctx, zapcore.InfoLevel, msg, fields)
}

// Warn logs at warn level with structured fields.
func Warn(ctx context.Context, msg string, fields Fields) {
	log(ctx, zapcore.WarnLevel, msg, fields)
}

// Error logs at error level with structured fields.
func Error(ctx context.Context, msg string, fields Fields) {
	log(ctx, zapcore.ErrorLevel, msg, fields)
}

// Fatal logs at fatal level and terminates the process.
func Fatal(ctx context.Context, msg string, fields Fields) {
	log(ctx, zapcore.FatalLevel, msg, fields)
}
