package runtime

import (
	"context"
	"errors"
	"sync"
)

// ErrorReporter forwards recovered panics to an external tracker.
// Implementations must be safe for concurrent use and must not panic.
type ErrorReporter interface {
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

var (
	errorReporterInstance ErrorReporter
	errorReporterMu       sync.RWMutex
)

const (
	redactedPanicMsg = "panic recovered (details redacted)"
	maxStackLen      = 4096
)

// SetErrorReporter installs reporter; nil disables reporting.
func SetErrorReporter(reporter ErrorReporter) {
	errorReporterMu.Lock()
	defer errorReporterMu.Unlock()

	errorReporterInstance = reporter
}

// GetErrorReporter returns the installed reporter, if any.
func GetErrorReporter() ErrorReporter {
	errorReporterMu.RLock()
	defer errorReporterMu.RUnlock()

	return errorReporterInstance
}

func reportPanicToErrorService(ctx context.Context, panicValue any, stack []byte, component, goroutineName string) {
	reporter := GetErrorReporter()
	if reporter == nil {
		return
	}

	tags := map[string]string{
		"component":      component,
		"goroutine_name": goroutineName,
		"panic_type":     "recovered",
	}

	if IsProductionMode() {
		reporter.CaptureException(ctx, errors.New(redactedPanicMsg), tags)
		return
	}

	if len(stack) > 0 {
		trace := string(stack)
		if len(trace) > maxStackLen {
			trace = trace[:maxStackLen] + "\n...[truncated]"
		}

		tags["stack_trace"] = trace
	}

	err, ok := panicValue.(error)
	if !ok {
		err = errors.New("panic: " + formatPanicValue(panicValue))
	}

	reporter.CaptureException(ctx, err, tags)
}
