package relay

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/outbox-relay/relay/log"
)

type trackingKey struct{}

// Tracking carries the request-scoped logger, tracer and request id.
type Tracking struct {
	HeaderID string
	Tracer   trace.Tracer
	Logger   log.Logger
}

func trackingFrom(ctx context.Context) Tracking {
	if ctx == nil {
		return Tracking{}
	}

	if value, ok := ctx.Value(trackingKey{}).(*Tracking); ok && value != nil {
		return *value
	}

	return Tracking{}
}

func withTracking(ctx context.Context, mutate func(*Tracking)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	values := trackingFrom(ctx)
	mutate(&values)

	return context.WithValue(ctx, trackingKey{}, &values)
}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	return withTracking(ctx, func(t *Tracking) { t.Logger = logger })
}

// ContextWithTracer stores tracer in ctx.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return withTracking(ctx, func(t *Tracking) { t.Tracer = tracer })
}

// ContextWithHeaderID stores the request id in ctx.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	return withTracking(ctx, func(t *Tracking) { t.HeaderID = strings.TrimSpace(headerID) })
}

// NewTrackingFromContext returns the logger, tracer and request id stored in
// ctx. Missing values fall back to a no-op logger, the global tracer and a
// fresh UUID.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	values := trackingFrom(ctx)

	logger := values.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	tracer := values.Tracer
	if tracer == nil {
		tracer = otel.Tracer("relay.default")
	}

	headerID := values.HeaderID
	if headerID == "" {
		headerID = uuid.NewString()
	}

	return logger, tracer, headerID
}
