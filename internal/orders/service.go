package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/LerianStudio/outbox-relay/relay"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
)

var (
	// ErrRepositoryRequired is returned by NewService without a repository.
	ErrRepositoryRequired = errors.New("orders repository is required")
	// ErrStatsRequired is returned by NewService without an outbox stats reader.
	ErrStatsRequired = errors.New("outbox stats reader is required")
)

// Repository persists orders. Create and Transition record the matching
// outbox event in the same transaction and return its id.
type Repository interface {
	Create(ctx context.Context, order *Order) (eventID string, err error)
	Transition(ctx context.Context, id string, to Status, now time.Time) (*Order, string, error)
	Get(ctx context.Context, id string) (*Order, error)
	ListLatest(ctx context.Context, limit int) ([]*Order, error)
}

// Service is the order use-case layer behind the HTTP API.
type Service struct {
	repo  Repository
	stats outbox.StatsReader
	clock func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService creates a Service.
func NewService(repo Repository, stats outbox.StatsReader, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if stats == nil {
		return nil, ErrStatsRequired
	}

	s := &Service{repo: repo, stats: stats, clock: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Placed is the result of creating an order.
type Placed struct {
	Order   *Order
	EventID string
}

// Create validates the input and stores a CREATED order with its
// OrderCreated event.
func (s *Service) Create(ctx context.Context, customerID string, items []Item) (*Placed, error) {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "orders.create")
	defer span.End()

	order, err := NewOrder(customerID, items, s.clock())
	if err != nil {
		libOpentelemetry.HandleSpanBusinessErrorEvent(&span, "orders.invalid_input", err)

		return nil, err
	}

	eventID, err := s.repo.Create(ctx, order)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to create order", err)

		return nil, fmt.Errorf("create order: %w", err)
	}

	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String(eventIDAttr, eventID))

	logger.Log(ctx, libLog.LevelInfo, "order created",
		libLog.String("order_id", order.ID),
		libLog.String("event_id", eventID),
		libLog.Int("items", len(order.Items)),
	)

	return &Placed{Order: order, EventID: eventID}, nil
}

// Confirm moves the order to CONFIRMED and records OrderConfirmed.
func (s *Service) Confirm(ctx context.Context, id string) (*Placed, error) {
	return s.transition(ctx, id, StatusConfirmed)
}

// Cancel moves the order to CANCELLED and records OrderCancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*Placed, error) {
	return s.transition(ctx, id, StatusCancelled)
}

func (s *Service) transition(ctx context.Context, id string, to Status) (*Placed, error) {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "orders.transition")
	defer span.End()

	span.SetAttributes(attribute.String("order.id", id), attribute.String("order.status", string(to)))

	order, eventID, err := s.repo.Transition(ctx, id, to, s.clock())
	if err != nil {
		if errors.Is(err, outbox.ErrNotFound) || errors.Is(err, outbox.ErrConflict) {
			libOpentelemetry.HandleSpanBusinessErrorEvent(&span, "orders.transition_rejected", err)
		} else {
			libOpentelemetry.HandleSpanError(&span, "Failed to change order status", err)
		}

		return nil, fmt.Errorf("%s order %s: %w", to, id, err)
	}

	logger.Log(ctx, libLog.LevelInfo, "order status changed",
		libLog.String("order_id", order.ID),
		libLog.String("status", string(order.Status)),
		libLog.String("event_id", eventID),
	)

	return &Placed{Order: order, EventID: eventID}, nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.repo.Get(ctx, id)
}

// ListLatest returns the newest orders first.
func (s *Service) ListLatest(ctx context.Context, limit int) ([]*Order, error) {
	return s.repo.ListLatest(ctx, limit)
}

// OutboxStats reports how many events are pending, in flight and published.
func (s *Service) OutboxStats(ctx context.Context) (outbox.Stats, error) {
	return s.stats.Stats(ctx)
}

const eventIDAttr = "outbox.event.id"
