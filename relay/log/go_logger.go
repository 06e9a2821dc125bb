package log

import (
	"context"
	"fmt"
	stdlog "log"
	"strings"
)

// logControlCharReplacer escapes characters that could forge extra log lines (CWE-117).
var logControlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func sanitizeLogString(s string) string {
	return logControlCharReplacer.Replace(s)
}

// GoLogger writes entries through the standard library logger as
// `level=... msg="..." key=value` lines.
type GoLogger struct {
	Level  Level
	fields []Field
	groups []string
	out    *stdlog.Logger
}

// NewGoLogger creates a GoLogger emitting entries at or above level.
func NewGoLogger(level Level) *GoLogger {
	return &GoLogger{Level: level, out: stdlog.Default()}
}

// Log writes one line when level is enabled.
func (l *GoLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}

	var b strings.Builder

	fmt.Fprintf(&b, "level=%s msg=%q", level, sanitizeLogString(msg))

	for _, field := range l.fields {
		l.writeField(&b, field)
	}

	for _, field := range fields {
		l.writeField(&b, field)
	}

	out := l.out
	if out == nil {
		out = stdlog.Default()
	}

	out.Print(b.String())
}

func (l *GoLogger) writeField(b *strings.Builder, field Field) {
	key := field.Key
	if len(l.groups) > 0 {
		key = strings.Join(l.groups, ".") + "." + key
	}

	value := field.Value
	if err, ok := value.(error); ok && err != nil {
		value = err.Error()
	}

	fmt.Fprintf(b, " %s=%s", sanitizeLogString(key), sanitizeLogString(fmt.Sprint(value)))
}

// With returns a child logger carrying fields on every entry.
//
//nolint:ireturn
func (l *GoLogger) With(fields ...Field) Logger {
	if l == nil {
		return NewNop()
	}

	child := *l
	child.fields = append(append([]Field(nil), l.fields...), fields...)

	return &child
}

// WithGroup returns a child logger that prefixes field keys with name.
//
//nolint:ireturn
func (l *GoLogger) WithGroup(name string) Logger {
	if l == nil {
		return NewNop()
	}

	if strings.TrimSpace(name) == "" {
		return l
	}

	child := *l
	child.groups = append(append([]string(nil), l.groups...), name)

	return &child
}

// Enabled reports whether entries at level are written.
func (l *GoLogger) Enabled(level Level) bool {
	if l == nil {
		return false
	}

	return l.Level >= level
}

// Sync does nothing; the standard logger is unbuffered.
func (l *GoLogger) Sync(_ context.Context) error { return nil }
