// Package logging provides structured logging with zap.
package logging

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	loggerKey      contextKey = "logger"
	operationIDKey contextKey = "operation_id"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	globalLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	operationCounter atomic.Uint64
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init initializes the global logger.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	globalLevel.SetLevel(level)
	config.Level = globalLevel
	config.OutputPaths = []string{"stderr"}
	if cfg.OutputPath != "" {
		config.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	globalLogger.Store(logger)
	return nil
}

// SetLogger replaces the global logger. Tests use it to route output to
// zaptest.
func SetLogger(logger *zap.Logger) {
	globalLogger.Store(logger)
}

// Sync flushes any buffered log entries.
func Sync() error {
	if logger := globalLogger.Load(); logger != nil {
		return logger.Sync()
	}
	return nil
}

// L returns the global logger. Until Init or SetLogger is called it is a
// no-op logger, so library users are silent by default.
func L() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	return zap.NewNop()
}

// WithContext returns a logger from context, or fallback when the context
// carries none. A nil fallback means the global logger.
func WithContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return L()
}

// WithOperation tags the context with a fresh operation ID and a logger
// carrying it, so every backend call made on behalf of one cp/mv/sync can be
// correlated.
func WithOperation(ctx context.Context, logger *zap.Logger, op string) context.Context {
	id := generateOperationID()
	l := WithContext(ctx, logger).With(zap.String("op", op), zap.String("operation_id", id))
	ctx = context.WithValue(ctx, loggerKey, l)
	return context.WithValue(ctx, operationIDKey, id)
}

// OperationID returns the operation ID from context.
func OperationID(ctx context.Context) string {
	if id, ok := ctx.Value(operationIDKey).(string); ok {
		return id
	}
	return ""
}

func generateOperationID() string {
	n := operationCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}
