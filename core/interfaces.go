package core

import "context"

// Logger is the structured logging interface used across the module.
// Implementations must be safe for concurrent use. Components hold an
// optional Logger and nil-check before logging.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger is an optional extension that scopes log output
// to a named component.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// AuditLogger is the audit collaborator. Entries are JSON-shaped
// records; callers guarantee no PHI field values are included (field
// names are permitted).
type AuditLogger interface {
	LogPHIAccess(ctx context.Context, entry map[string]interface{}) error
	LogMLServiceCall(ctx context.Context, entry map[string]interface{}) error
	LogDataSharing(ctx context.Context, entry map[string]interface{}) error
	LogJob(ctx context.Context, entry map[string]interface{}) error
}

// componentLogger applies WithComponent when the logger supports it.
func ComponentLogger(logger Logger, component string) Logger {
	if logger == nil {
		return nil
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return logger
}
