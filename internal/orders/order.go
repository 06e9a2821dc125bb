// Package orders is the business domain that produces and consumes the
// relayed events: orders written through the outbox and the stock
// reservations the consumer derives from them.
package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/outbox-relay/relay/outbox"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

// Event types, used as routing keys on the bus.
const (
	EventOrderCreated   = "OrderCreated"
	EventOrderConfirmed = "OrderConfirmed"
	EventOrderCancelled = "OrderCancelled"
)

const (
	maxItems       = 100
	maxQtyPerItem  = 1000
	maxCustomerLen = 64
)

var (
	// ErrOrderNotFound is returned when no order has the requested id.
	ErrOrderNotFound = fmt.Errorf("%w: order", outbox.ErrNotFound)
	// ErrInvalidTransition is returned when the order's status forbids the change.
	ErrInvalidTransition = fmt.Errorf("%w: order status transition", outbox.ErrConflict)
	// ErrInvalidOrder is returned for input that cannot form an order.
	ErrInvalidOrder = errors.New("invalid order")
)

// Item is one order line.
type Item struct {
	SKU string `json:"sku" bson:"sku"`
	Qty int    `json:"qty" bson:"qty"`
}

// Order is the aggregate written together with its outbox events.
type Order struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId"`
	Items      []Item    `json:"items"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NewOrder validates the input and returns an order in CREATED. The store
// assigns ID.
func NewOrder(customerID string, items []Item, now time.Time) (*Order, error) {
	customerID = strings.TrimSpace(customerID)

	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidOrder)
	}

	if len(customerID) > maxCustomerLen {
		return nil, fmt.Errorf("%w: customer id exceeds %d characters", ErrInvalidOrder, maxCustomerLen)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}

	if len(items) > maxItems {
		return nil, fmt.Errorf("%w: at most %d items are allowed", ErrInvalidOrder, maxItems)
	}

	lines := make([]Item, 0, len(items))

	for i, item := range items {
		sku := strings.TrimSpace(item.SKU)
		if sku == "" {
			return nil, fmt.Errorf("%w: item %d has no sku", ErrInvalidOrder, i)
		}

		if item.Qty < 1 || item.Qty > maxQtyPerItem {
			return nil, fmt.Errorf("%w: item %d quantity must be between 1 and %d", ErrInvalidOrder, i, maxQtyPerItem)
		}

		lines = append(lines, Item{SKU: sku, Qty: item.Qty})
	}

	now = now.UTC()

	return &Order{
		CustomerID: customerID,
		Items:      lines,
		Status:     StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// TransitionTo moves the order to status. CREATED can be confirmed or
// cancelled, CONFIRMED can be cancelled, CANCELLED is terminal.
func (o *Order) TransitionTo(status Status, now time.Time) error {
	allowed := false

	switch status {
	case StatusConfirmed:
		allowed = o.Status == StatusCreated
	case StatusCancelled:
		allowed = o.Status == StatusCreated || o.Status == StatusConfirmed
	}

	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, status)
	}

	o.Status = status
	o.UpdatedAt = now.UTC()

	return nil
}

// EventTypeFor returns the event recorded when an order enters status.
func EventTypeFor(status Status) string {
	switch status {
	case StatusConfirmed:
		return EventOrderConfirmed
	case StatusCancelled:
		return EventOrderCancelled
	default:
		return EventOrderCreated
	}
}

// EventPayload is the payload of every order event.
type EventPayload struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	Items      []Item `json:"items"`
}

// Fill copies o into p.
func (p *EventPayload) Fill(o *Order) {
	p.OrderID = o.ID
	p.CustomerID = o.CustomerID
	p.Items = append([]Item(nil), o.Items...)
}

// Reservation is the stock held for one SKU by live orders.
type Reservation struct {
	SKU       string    `json:"sku"`
	Reserved  int       `json:"reserved"`
	UpdatedAt time.Time `json:"updatedAt"`
}
