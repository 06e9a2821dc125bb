//go:build unit

package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/LerianStudio/outbox-relay/relay"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(t *testing.T) (trace.Tracer, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })

	return provider.Tracer("relay.http.test"), recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}

	return attribute.Value{}, false
}

func TestWithTelemetry_RecordsServerSpan(t *testing.T) {
	t.Parallel()

	tracer, recorder := newRecordingTracer(t)

	var tracerInCtx trace.Tracer

	app := fiber.New(fiber.Config{ErrorHandler: FiberErrorHandler})
	app.Use(WithTelemetry(tracer))
	app.Get("/orders/:id", func(c *fiber.Ctx) error {
		_, tracerInCtx, _ = relay.NewTrackingFromContext(c.UserContext())
		return OK(c, fiber.Map{"id": c.Params("id")})
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/orders/42", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, tracer, tracerInCtx)

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	span := spans[0]
	assert.Equal(t, "GET /orders/:id", span.Name())
	assert.Equal(t, trace.SpanKindServer, span.SpanKind())
	assert.Equal(t, codes.Unset, span.Status().Code)

	status, ok := spanAttr(span, "http.response.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(fiber.StatusOK), status.AsInt64())
}

func TestWithTelemetry_ContinuesIncomingTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tracer, recorder := newRecordingTracer(t)

	app := fiber.New()
	app.Use(WithTelemetry(tracer))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
}

func TestWithTelemetry_MarksServerErrors(t *testing.T) {
	t.Parallel()

	tracer, recorder := newRecordingTracer(t)

	app := fiber.New(fiber.Config{ErrorHandler: FiberErrorHandler})
	app.Use(WithTelemetry(tracer))
	app.Get("/boom", func(*fiber.Ctx) error { return errors.New("store down") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.NotEmpty(t, spans[0].Events(), "handler error recorded on the span")
}

func TestWithTelemetry_NilTracerPassesThrough(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Use(WithTelemetry(nil))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}
