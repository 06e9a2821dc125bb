package opentelemetry

import (
	"context"
	"maps"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ExtractHTTPContext returns the fiber request context enriched with the
// trace context carried by the incoming headers.
func ExtractHTTPContext(c *fiber.Ctx) context.Context {
	carrier := propagation.HeaderCarrier{}

	c.Request().Header.VisitAll(func(key, value []byte) {
		carrier.Set(string(key), string(value))
	})

	return otel.GetTextMapPropagator().Extract(c.UserContext(), carrier)
}

// InjectQueueTraceContext returns the W3C headers describing ctx's span.
func InjectQueueTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return carrier
}

// PrepareQueueHeaders copies baseHeaders and adds the trace headers of ctx,
// ready to be used as an amqp.Table.
func PrepareQueueHeaders(ctx context.Context, baseHeaders map[string]any) map[string]any {
	headers := make(map[string]any, len(baseHeaders)+2)
	maps.Copy(headers, baseHeaders)

	for k, v := range InjectQueueTraceContext(ctx) {
		headers[k] = v
	}

	return headers
}

// ExtractTraceContextFromQueueHeaders continues the trace recorded in AMQP
// headers. Non-string header values are ignored.
func ExtractTraceContextFromQueueHeaders(baseCtx context.Context, amqpHeaders map[string]any) context.Context {
	if len(amqpHeaders) == 0 {
		return baseCtx
	}

	carrier := propagation.MapCarrier{}

	for k, v := range amqpHeaders {
		if str, ok := v.(string); ok {
			carrier[k] = str
		}
	}

	if len(carrier) == 0 {
		return baseCtx
	}

	return otel.GetTextMapPropagator().Extract(baseCtx, carrier)
}

// GetTraceIDFromContext returns the active trace id or "".
func GetTraceIDFromContext(ctx context.Context) string {
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if !spanContext.IsValid() {
		return ""
	}

	return spanContext.TraceID().String()
}
