package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	constant "github.com/LerianStudio/outbox-relay/relay/constants"
)

func recordPanicMetric(ctx context.Context, component, goroutineName string) {
	counter, err := otel.Meter(constant.MeterRuntime).Int64Counter(
		constant.MetricPanicRecoveredTotal,
		metric.WithDescription("Total number of recovered panics"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", constant.SanitizeMetricLabel(component)),
		attribute.String("goroutine_name", constant.SanitizeMetricLabel(goroutineName)),
	))
}

func recordPanicToSpan(ctx context.Context, panicValue any, stack []byte, component, goroutineName string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("panic.component", component),
		attribute.String("panic.goroutine_name", goroutineName),
	}

	if !IsProductionMode() {
		attrs = append(attrs,
			attribute.String("panic.value", formatPanicValue(panicValue)),
			attribute.String("panic.stack", string(stack)),
		)
	}

	span.AddEvent(constant.EventPanicRecovered, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, "panic recovered in "+goroutineName)
}
