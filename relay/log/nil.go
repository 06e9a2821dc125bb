package log

import "context"

// NopLogger discards everything.
type NopLogger struct{}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &NopLogger{}
}

// Log drops the entry.
func (l *NopLogger) Log(_ context.Context, _ Level, _ string, _ ...Field) {}

// With returns the receiver.
//
//nolint:ireturn
func (l *NopLogger) With(_ ...Field) Logger {
	return l
}

// WithGroup returns the receiver.
//
//nolint:ireturn
func (l *NopLogger) WithGroup(_ string) Logger {
	return l
}

// Enabled always returns false.
func (l *NopLogger) Enabled(_ Level) bool {
	return false
}

// Sync does nothing.
func (l *NopLogger) Sync(_ context.Context) error { return nil }
