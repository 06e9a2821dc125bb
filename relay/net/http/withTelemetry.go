package http

import (
	"github.com/LerianStudio/outbox-relay/relay"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WithTelemetry opens a server span per request, continuing the caller's
// trace from the W3C headers, and stores tracer in the user context. Handler
// errors are rendered inside the span so it carries the final status.
func WithTelemetry(tracer trace.Tracer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if tracer == nil {
			return c.Next()
		}

		ctx := libOpentelemetry.ExtractHTTPContext(c)

		ctx, span := tracer.Start(ctx, c.Method()+" "+c.Path(), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.request.method", c.Method()),
			attribute.String("url.path", c.Path()),
		)

		c.SetUserContext(relay.ContextWithTracer(ctx, tracer))

		err := c.Next()

		// The matched route is only known once routing ran.
		if route := c.Route(); route != nil && route.Path != "" {
			span.SetName(c.Method() + " " + route.Path)
			span.SetAttributes(attribute.String("http.route", route.Path))
		}

		if err != nil {
			if handlerErr := c.App().ErrorHandler(c, err); handlerErr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		span.SetAttributes(attribute.Int("http.response.status_code", status))

		if status >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, "server error")
		}

		return nil
	}
}
