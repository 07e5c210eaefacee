package logger

import (
	"context"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

// NoopLogger discards all log output. Useful in tests.
type NoopLogger struct{}

// NewNoopLogger returns a logger that discards everything.
func NewNoopLogger() *NoopLogger { return &NoopLogger{} }

func (NoopLogger) Debug(string, map[string]interface{}) {}
func (NoopLogger) Info(string, map[string]interface{})  {}
func (NoopLogger) Warn(string, map[string]interface{})  {}
func (NoopLogger) Error(string, map[string]interface{}) {}

func (NoopLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}
func (NoopLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoopLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoopLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}

func (n NoopLogger) WithComponent(string) core.Logger { return n }
