// Package http exposes the orders API over fiber.
package http

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/LerianStudio/outbox-relay/internal/orders"
	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	libHTTP "github.com/LerianStudio/outbox-relay/relay/net/http"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
)

// ErrServiceRequired is returned by NewHandler without a service.
var ErrServiceRequired = errors.New("orders service is required")

// Service is the part of orders.Service the handlers call.
type Service interface {
	Create(ctx context.Context, customerID string, items []orders.Item) (*orders.Placed, error)
	Confirm(ctx context.Context, id string) (*orders.Placed, error)
	Cancel(ctx context.Context, id string) (*orders.Placed, error)
	Get(ctx context.Context, id string) (*orders.Order, error)
	ListLatest(ctx context.Context, limit int) ([]*orders.Order, error)
	OutboxStats(ctx context.Context) (outbox.Stats, error)
}

// ItemInput is one line of CreateOrderInput.
type ItemInput struct {
	SKU string `json:"sku" validate:"required,sku"`
	Qty int    `json:"qty" validate:"gte=1,lte=1000"`
}

// CreateOrderInput is the body of POST /orders.
type CreateOrderInput struct {
	CustomerID string      `json:"customerId" validate:"required,max=64"`
	Items      []ItemInput `json:"items"      validate:"required,min=1,max=100,dive"`
}

// CreateOrderOutput is the body of a 201 from POST /orders.
type CreateOrderOutput struct {
	OrderID string `json:"orderId"`
	EventID string `json:"eventId"`
}

// TransitionOutput is the body of a 200 from confirm and cancel.
type TransitionOutput struct {
	OrderID string        `json:"orderId"`
	Status  orders.Status `json:"status"`
	EventID string        `json:"eventId"`
}

// ListOutput is the body of GET /orders.
type ListOutput struct {
	Items []*orders.Order `json:"items"`
	Limit int             `json:"limit"`
}

// Handler serves the order routes.
type Handler struct {
	service      Service
	reservations orders.ReservationStore
}

// NewHandler creates a Handler. reservations may be nil, in which case the
// reservation route is not mounted.
func NewHandler(service Service, reservations orders.ReservationStore) (*Handler, error) {
	if service == nil {
		return nil, ErrServiceRequired
	}

	return &Handler{service: service, reservations: reservations}, nil
}

// CreateOrder handles POST /orders.
func (h *Handler) CreateOrder(c *fiber.Ctx) error {
	var input CreateOrderInput
	if err := libHTTP.ParseBodyAndValidate(c, &input); err != nil {
		return badRequest(err)
	}

	items := make([]orders.Item, 0, len(input.Items))
	for _, item := range input.Items {
		items = append(items, orders.Item{SKU: item.SKU, Qty: item.Qty})
	}

	placed, err := h.service.Create(c.UserContext(), input.CustomerID, items)
	if err != nil {
		return mapError(err)
	}

	return libHTTP.Created(c, CreateOrderOutput{OrderID: placed.Order.ID, EventID: placed.EventID})
}

// ListOrders handles GET /orders.
func (h *Handler) ListOrders(c *fiber.Ctx) error {
	limit, err := libHTTP.ParseLimit(c, constant.DefaultLimit, constant.MaxLimit)
	if err != nil {
		return badRequest(err)
	}

	list, err := h.service.ListLatest(c.UserContext(), limit)
	if err != nil {
		return mapError(err)
	}

	return libHTTP.OK(c, ListOutput{Items: list, Limit: limit})
}

// GetOrder handles GET /orders/:id.
func (h *Handler) GetOrder(c *fiber.Ctx) error {
	order, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}

	return libHTTP.OK(c, order)
}

// ConfirmOrder handles POST /orders/:id/confirm.
func (h *Handler) ConfirmOrder(c *fiber.Ctx) error {
	return h.transition(c, h.service.Confirm)
}

// CancelOrder handles POST /orders/:id/cancel.
func (h *Handler) CancelOrder(c *fiber.Ctx) error {
	return h.transition(c, h.service.Cancel)
}

func (h *Handler) transition(c *fiber.Ctx, apply func(context.Context, string) (*orders.Placed, error)) error {
	placed, err := apply(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}

	return libHTTP.OK(c, TransitionOutput{
		OrderID: placed.Order.ID,
		Status:  placed.Order.Status,
		EventID: placed.EventID,
	})
}

// OutboxStats handles GET /outbox/stats.
func (h *Handler) OutboxStats(c *fiber.Ctx) error {
	stats, err := h.service.OutboxStats(c.UserContext())
	if err != nil {
		return mapError(err)
	}

	return libHTTP.OK(c, stats)
}

// GetReservation handles GET /reservations/:sku.
func (h *Handler) GetReservation(c *fiber.Ctx) error {
	res, err := h.reservations.Get(c.UserContext(), c.Params("sku"))
	if err != nil {
		return mapError(err)
	}

	return libHTTP.OK(c, res)
}

// Echo handles POST /echo and returns the JSON body it received.
func (h *Handler) Echo(c *fiber.Ctx) error {
	var body any
	if len(c.Body()) > 0 {
		if err := c.App().Config().JSONDecoder(c.Body(), &body); err != nil {
			return badRequest(errors.Join(libHTTP.ErrBodyParseFailed, err))
		}
	}

	return libHTTP.OK(c, fiber.Map{"received": body})
}

func badRequest(err error) error {
	return libHTTP.NewError(fiber.StatusBadRequest, "invalid_request", err.Error())
}

// mapError turns domain errors into ErrorResponse values. Anything else is
// left for the app's error handler to log and hide.
func mapError(err error) error {
	switch {
	case errors.Is(err, orders.ErrInvalidOrder):
		return badRequest(err)
	case errors.Is(err, orders.ErrOrderNotFound):
		return libHTTP.NewError(fiber.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, outbox.ErrNotFound):
		return libHTTP.NewError(fiber.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orders.ErrInvalidTransition):
		return libHTTP.NewError(fiber.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, outbox.ErrConflict):
		return libHTTP.NewError(fiber.StatusConflict, "conflict", err.Error())
	case errors.Is(err, outbox.ErrStoreUnavailable):
		return libHTTP.NewError(fiber.StatusServiceUnavailable, "store_unavailable", "the store is temporarily unavailable")
	default:
		return err
	}
}
