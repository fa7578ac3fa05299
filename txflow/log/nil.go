package log

import "context"

// NopLogger discards every log entry. It is the fallback used whenever a
// caller does not provide a logger.
type NopLogger struct{}

// Compile-time assertion: *NopLogger implements Logger.
var _ Logger = (*NopLogger)(nil)

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &NopLogger{}
}

func (logger *NopLogger) Log(context.Context, Level, string, ...Field) {}

func (logger *NopLogger) With(...Field) Logger { return logger }

func (logger *NopLogger) Enabled(Level) bool { return false }

func (logger *NopLogger) Sync(context.Context) error { return nil }
