package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
)

// Consumer deduplicates deliveries through the inbox and runs their handler.
type Consumer struct {
	processor
	logger libLog.Logger
	tracer trace.Tracer
}

// NewConsumer creates a Consumer.
func NewConsumer(
	store Store,
	handlers *HandlerRegistry,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...Option,
) (*Consumer, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if handlers == nil {
		return nil, ErrHandlersRequired
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	o := newOptions(opts)

	metrics, err := newInboxMetrics(o.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init inbox metrics: %w", err)
	}

	return &Consumer{
		processor: processor{
			store:    store,
			handlers: handlers,
			cfg:      o.cfg,
			clock:    o.clock,
			metrics:  metrics,
		},
		logger: logger.With(libLog.String("consumer_id", uuid.NewString())),
		tracer: tracer,
	}, nil
}

// RoutingKeys returns the routing keys that have a handler.
func (c *Consumer) RoutingKeys() []string {
	return c.handlers.RoutingKeys()
}

// Handle processes one delivery and always settles it with Ack or Nack.
func (c *Consumer) Handle(ctx context.Context, delivery Delivery) Outcome {
	ctx = libOpentelemetry.ExtractTraceContextFromQueueHeaders(ctx, delivery.Headers())

	ctx, span := c.tracer.Start(ctx, "inbox.handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	messageID := strings.TrimSpace(delivery.MessageID())

	span.SetAttributes(
		attribute.String(constant.AttrMessagingMessageID, messageID),
		attribute.String(constant.AttrMessagingRoutingKey, delivery.RoutingKey()),
	)

	logger := c.logger.With(
		libLog.String("message_id", messageID),
		libLog.String("routing_key", delivery.RoutingKey()),
	)

	outcome := c.handle(ctx, logger, delivery, messageID)

	span.SetAttributes(attribute.String(constant.AttrInboxOutcome, outcome.String()))
	c.metrics.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))

	return outcome
}

func (c *Consumer) handle(ctx context.Context, logger libLog.Logger, delivery Delivery, messageID string) Outcome {
	if messageID == "" {
		return c.reject(ctx, logger, delivery, ErrMessageIDRequired)
	}

	envelope, err := outbox.DecodeEnvelope(delivery.Body())
	if err != nil {
		return c.reject(ctx, logger, delivery, err)
	}

	routingKey := delivery.RoutingKey()
	if routingKey == "" {
		routingKey = envelope.Type
	}

	handler, ok := c.handlers.Lookup(routingKey)
	if !ok {
		return c.reject(ctx, logger, delivery, fmt.Errorf("%w: %s", ErrNoHandler, routingKey))
	}

	record := NewRecord(messageID, routingKey, envelope.Payload, c.clock())

	if err := c.store.InsertIfAbsent(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicate) {
			logger.Log(ctx, libLog.LevelDebug, "duplicate delivery acknowledged")
			c.settle(ctx, logger, delivery.Ack())

			return OutcomeDuplicate
		}

		libLog.SafeError(logger, ctx, "inbox insert failed; requeueing", err, runtime.IsProductionMode())
		c.settle(ctx, logger, delivery.Nack(true))

		return OutcomeRequeued
	}

	msg := Message{MessageID: messageID, RoutingKey: routingKey, Payload: envelope.Payload, Attempt: record.Attempts}

	if err := c.run(ctx, logger, handler, msg); err != nil {
		c.settle(ctx, logger, delivery.Ack())

		return OutcomeFailed
	}

	c.settle(ctx, logger, delivery.Ack())

	return OutcomeProcessed
}

func (c *Consumer) reject(ctx context.Context, logger libLog.Logger, delivery Delivery, reason error) Outcome {
	logger.Log(ctx, libLog.LevelWarn, "delivery rejected", libLog.Err(reason))
	c.settle(ctx, logger, delivery.Nack(false))

	return OutcomeRejected
}

func (c *Consumer) settle(ctx context.Context, logger libLog.Logger, err error) {
	if err != nil {
		logger.Log(ctx, libLog.LevelWarn, "failed to settle delivery", libLog.Err(err))
	}
}
