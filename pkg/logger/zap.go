// Package logger provides core.Logger implementations: a zap-backed
// production logger and a no-op logger for tests.
package logger

import (
	"context"

	"go.uber.org/zap"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

// ZapLogger adapts a zap.Logger to the core.Logger interface.
type ZapLogger struct {
	base *zap.Logger
}

// NewZapLogger builds a production zap logger.
func NewZapLogger() (*ZapLogger, error) {
	base, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{base: base}, nil
}

// NewZapLoggerFrom wraps an existing zap.Logger.
func NewZapLoggerFrom(base *zap.Logger) *ZapLogger {
	return &ZapLogger{base: base}
}

// WithComponent returns a logger scoped to the named component.
func (l *ZapLogger) WithComponent(component string) core.Logger {
	return &ZapLogger{base: l.base.With(zap.String("component", component))}
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func (l *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	l.base.Debug(msg, zapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields map[string]interface{}) {
	l.base.Info(msg, zapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	l.base.Warn(msg, zapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields map[string]interface{}) {
	l.base.Error(msg, zapFields(fields)...)
}

func (l *ZapLogger) DebugWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, fields)
}

func (l *ZapLogger) InfoWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, fields)
}

func (l *ZapLogger) WarnWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, fields)
}

func (l *ZapLogger) ErrorWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, fields)
}

func zapFields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
