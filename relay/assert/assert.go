// Package assert checks invariants at runtime without panicking.
//
// A failed assertion is logged, recorded on the active span and counted, and
// returned to the caller as an *AssertionError wrapping ErrAssertionFailed.
package assert

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/log"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
)

// ErrAssertionFailed is the sentinel wrapped by every AssertionError.
var ErrAssertionFailed = errors.New("assertion failed")

// AssertionError describes a failed invariant.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
	Details   string
}

// Error returns the assertion message followed by its key/value details.
func (entry *AssertionError) Error() string {
	if entry == nil {
		return ErrAssertionFailed.Error()
	}

	if entry.Details == "" {
		return "assertion failed: " + entry.Message
	}

	return "assertion failed: " + entry.Message + " (" + entry.Details + ")"
}

// Unwrap exposes ErrAssertionFailed to errors.Is.
func (entry *AssertionError) Unwrap() error {
	return ErrAssertionFailed
}

// Asserter evaluates invariants for one component/operation pair.
type Asserter struct {
	ctx       context.Context
	logger    log.Logger
	component string
	operation string
}

// New creates an Asserter. A nil logger falls back to a no-op logger.
//
//nolint:contextcheck
func New(ctx context.Context, logger log.Logger, component, operation string) *Asserter {
	if ctx == nil {
		ctx = context.Background()
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Asserter{ctx: ctx, logger: logger, component: component, operation: operation}
}

// That fails when ok is false.
func (asserter *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return asserter.fail(ctx, "That", msg, kv...)
}

// NotNil fails when v is nil, including typed nils held in interfaces.
func (asserter *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !isNil(v) {
		return nil
	}

	return asserter.fail(ctx, "NotNil", msg, kv...)
}

// NotEmpty fails when s is empty or only whitespace.
func (asserter *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if strings.TrimSpace(s) != "" {
		return nil
	}

	return asserter.fail(ctx, "NotEmpty", msg, kv...)
}

// NoError fails when err is not nil, recording its text and type.
func (asserter *Asserter) NoError(ctx context.Context, err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}

	kvWithError := append([]any{"error", err.Error(), "error_type", fmt.Sprintf("%T", err)}, kv...)

	return asserter.fail(ctx, "NoError", msg, kvWithError...)
}

// Never always fails. Use it on branches that must be unreachable.
func (asserter *Asserter) Never(ctx context.Context, msg string, kv ...any) error {
	return asserter.fail(ctx, "Never", msg, kv...)
}

const maxValueLength = 200

func truncateValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) <= maxValueLength {
		return s
	}

	return s[:maxValueLength] + "... (truncated " + strconv.Itoa(len(s)-maxValueLength) + " chars)"
}

func (asserter *Asserter) fail(ctx context.Context, assertion, msg string, kv ...any) error {
	if asserter == nil {
		asserter = New(ctx, nil, "", "")
	}

	if ctx == nil {
		ctx = asserter.ctx
	}

	fields := []log.Field{
		log.String("assertion", assertion),
		log.String("component", asserter.component),
		log.String("operation", asserter.operation),
	}

	var details []string

	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		value := "MISSING_VALUE"

		if i+1 < len(kv) {
			value = truncateValue(kv[i+1])
		}

		details = append(details, key+"="+value)
		fields = append(fields, log.String(key, value))
	}

	var stack []byte
	if !runtime.IsProductionMode() {
		stack = debug.Stack()
		fields = append(fields, log.String("stack", string(stack)))
	}

	asserter.logger.Log(ctx, log.LevelError, "ASSERTION FAILED: "+msg, fields...)

	recordAssertionMetric(ctx, asserter.component, asserter.operation, assertion)
	recordAssertionToSpan(ctx, assertion, msg, asserter.component, asserter.operation)

	return &AssertionError{
		Assertion: assertion,
		Message:   msg,
		Component: asserter.component,
		Operation: asserter.operation,
		Details:   strings.Join(details, ", "),
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}

func recordAssertionMetric(ctx context.Context, component, operation, assertion string) {
	counter, err := otel.Meter(constant.MeterAssert).Int64Counter(
		constant.MetricAssertionFailedTotal,
		metric.WithDescription("Total number of failed assertions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", constant.SanitizeMetricLabel(component)),
		attribute.String("operation", constant.SanitizeMetricLabel(operation)),
		attribute.String("assertion", assertion),
	))
}

func recordAssertionToSpan(ctx context.Context, assertion, message, component, operation string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent(constant.EventAssertionFailed, trace.WithAttributes(
		attribute.String("assertion.name", assertion),
		attribute.String("assertion.message", message),
		attribute.String("assertion.component", component),
		attribute.String("assertion.operation", operation),
	))
	span.RecordError(fmt.Errorf("%w: %s", ErrAssertionFailed, message))
	span.SetStatus(codes.Error, "assertion failed in "+component+"/"+operation)
}
