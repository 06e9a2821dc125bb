// Package rabbitmq publishes outbox events to a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/LerianStudio/outbox-relay/relay"
	"github.com/LerianStudio/outbox-relay/relay/circuitbreaker"
	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
)

const (
	// DefaultExchange is the topic exchange domain events are published to.
	DefaultExchange = "domain-events"
	// DefaultBreakerName names the circuit breaker guarding publishes.
	DefaultBreakerName = "rabbitmq-publisher"

	// HeaderAggregateID carries Event.AggregateID.
	HeaderAggregateID = "x-aggregate-id"
	// HeaderAttempts carries Event.Attempts, the claim count of the record.
	HeaderAttempts = "x-outbox-attempts"

	contentTypeJSON = "application/json"
)

var (
	// ErrBusRequired is returned when no confirming publisher is given.
	ErrBusRequired = errors.New("rabbitmq publisher is required")
	// ErrExchangeRequired is returned for a blank exchange name.
	ErrExchangeRequired = errors.New("exchange name is required")
)

// Bus sends one message and returns once the broker confirmed it.
// *rabbitmq.ConfirmablePublisher implements it.
type Bus interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Publisher implements outbox.Publisher. The routing key is the event type
// and the AMQP message id is the event id.
type Publisher struct {
	bus         Bus
	exchange    string
	appID       string
	breakers    *circuitbreaker.Manager
	breakerName string
	logger      libLog.Logger
}

var _ outbox.Publisher = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithCircuitBreaker routes publishes through the named breaker of manager,
// registering it with circuitbreaker.BrokerConfig when missing.
func WithCircuitBreaker(manager *circuitbreaker.Manager, name string) Option {
	return func(p *Publisher) {
		if manager == nil {
			return
		}

		if strings.TrimSpace(name) == "" {
			name = DefaultBreakerName
		}

		p.breakers = manager
		p.breakerName = name
	}
}

// WithAppID sets the AMQP app-id property, usually the service name.
func WithAppID(appID string) Option {
	return func(p *Publisher) {
		p.appID = appID
	}
}

// WithLogger sets the logger.
func WithLogger(logger libLog.Logger) Option {
	return func(p *Publisher) {
		if !nilcheck.Interface(logger) {
			p.logger = logger
		}
	}
}

// NewPublisher creates a Publisher for exchange.
func NewPublisher(bus Bus, exchange string, opts ...Option) (*Publisher, error) {
	if nilcheck.Interface(bus) {
		return nil, ErrBusRequired
	}

	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	p := &Publisher{bus: bus, exchange: exchange, logger: libLog.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.breakers != nil {
		p.breakers.Register(p.breakerName, circuitbreaker.BrokerConfig())
	}

	return p, nil
}

// Publish sends event as a persistent JSON envelope and waits for the
// broker confirm.
func (p *Publisher) Publish(ctx context.Context, event *outbox.Event) error {
	if event == nil {
		return outbox.ErrEventRequired
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "rabbitmq.publish_outbox_event", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrMessagingSystem, constant.DBSystemRabbitMQ),
		attribute.String(constant.AttrMessagingDest, p.exchange),
		attribute.String(constant.AttrMessagingRoutingKey, event.Type),
		attribute.String(constant.AttrMessagingMessageID, event.ID),
	)

	msg, err := p.message(ctx, event)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to encode outbox envelope", err)

		return err
	}

	publish := func(ctx context.Context) error {
		return p.bus.Publish(ctx, p.exchange, event.Type, msg)
	}

	if p.breakers != nil {
		err = p.breakers.Execute(ctx, p.breakerName, publish)
	} else {
		err = publish(ctx)
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to publish outbox event", err)

		return fmt.Errorf("publish %s %s: %w", event.Type, event.ID, err)
	}

	return nil
}

func (p *Publisher) message(ctx context.Context, event *outbox.Event) (amqp.Publishing, error) {
	body, err := outbox.EnvelopeFor(event).Marshal()
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("%w: encode envelope: %w", outbox.ErrInvalidEvent, err)
	}

	headers := libOpentelemetry.PrepareQueueHeaders(ctx, map[string]any{
		HeaderAggregateID: event.AggregateID,
		HeaderAttempts:    int32(event.Attempts), //nolint:gosec // attempts never approach MaxInt32
	})

	return amqp.Publishing{
		Headers:      amqp.Table(headers),
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.Type,
		Timestamp:    event.CreatedAt,
		AppId:        p.appID,
		Body:         body,
	}, nil
}

// IsBreakerRejection reports whether err came from an open breaker rather
// than the broker. Retrying such an error in the same pass is pointless.
func IsBreakerRejection(err error) bool {
	return errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyProbes)
}
