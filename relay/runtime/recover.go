package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/outbox-relay/relay/log"
)

// Logger is the subset of log.Logger needed to report panics.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// RecoverAndLogWithContext recovers a panic, records it and lets the caller return.
//
//	defer runtime.RecoverAndLogWithContext(ctx, logger, "outbox", "dispatch_once")
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, r, debug.Stack(), component, name)
	}
}

// RecoverWithPolicyAndContext recovers a panic, records it and applies policy.
func RecoverWithPolicyAndContext(ctx context.Context, logger Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, r, debug.Stack(), component, name)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue records a panic that another mechanism already recovered,
// such as fiber's recover middleware.
func HandlePanicValue(ctx context.Context, logger Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	handlePanic(ctx, logger, panicValue, debug.Stack(), component, name)
}

func handlePanic(ctx context.Context, logger Logger, panicValue any, stack []byte, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	if logger != nil {
		fields := []log.Field{
			log.String("component", component),
			log.String("goroutine", name),
		}

		if IsProductionMode() {
			fields = append(fields, log.String("panic_type", fmt.Sprintf("%T", panicValue)))
		} else {
			fields = append(fields,
				log.String("panic_value", formatPanicValue(panicValue)),
				log.String("stack_trace", string(stack)),
			)
		}

		logger.Log(ctx, log.LevelError, "panic recovered", fields...)
	}

	recordPanicMetric(ctx, component, name)
	recordPanicToSpan(ctx, panicValue, stack, component, name)
	reportPanicToErrorService(ctx, panicValue, stack, component, name)
}

func formatPanicValue(value any) string {
	switch val := value.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", value)
	}
}
