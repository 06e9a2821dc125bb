package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/outbox-relay/relay"
	"github.com/LerianStudio/outbox-relay/relay/inbox"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
)

var (
	// ErrReservationStoreRequired is returned by RegisterHandlers without a store.
	ErrReservationStoreRequired = errors.New("reservation store is required")
	// ErrMalformedPayload is returned when an order event payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed order event payload")
)

// ReservationStore keeps the per-SKU reservation projection. Adjust adds
// each delta to its SKU atomically and is not idempotent: it joins the
// transaction carried by ctx, so the inbox commits it with the done status
// and each event is applied once.
type ReservationStore interface {
	Adjust(ctx context.Context, deltas map[string]int, now time.Time) error
	Get(ctx context.Context, sku string) (Reservation, error)
}

// RegisterHandlers binds OrderCreated to reserving stock and OrderCancelled
// to releasing it.
func RegisterHandlers(registry *inbox.HandlerRegistry, store ReservationStore, clock func() time.Time) error {
	if registry == nil {
		return inbox.ErrHandlersRequired
	}

	if store == nil {
		return ErrReservationStoreRequired
	}

	if clock == nil {
		clock = time.Now
	}

	if err := registry.Register(EventOrderCreated, reservationHandler(store, clock, 1)); err != nil {
		return fmt.Errorf("register %s: %w", EventOrderCreated, err)
	}

	if err := registry.Register(EventOrderCancelled, reservationHandler(store, clock, -1)); err != nil {
		return fmt.Errorf("register %s: %w", EventOrderCancelled, err)
	}

	return nil
}

func reservationHandler(store ReservationStore, clock func() time.Time, sign int) inbox.Handler {
	return func(ctx context.Context, msg inbox.Message) error {
		logger, _, _ := relay.NewTrackingFromContext(ctx)

		var payload EventPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}

		deltas := make(map[string]int, len(payload.Items))
		for _, item := range payload.Items {
			deltas[item.SKU] += sign * item.Qty
		}

		if len(deltas) == 0 {
			return nil
		}

		if err := store.Adjust(ctx, deltas, clock()); err != nil {
			return fmt.Errorf("adjust reservations for order %s: %w", payload.OrderID, err)
		}

		logger.Log(ctx, libLog.LevelInfo, "reservations adjusted",
			libLog.String("order_id", payload.OrderID),
			libLog.String("event", msg.RoutingKey),
			libLog.Int("skus", len(deltas)),
		)

		return nil
	}
}
