package http

import (
	"errors"

	"github.com/LerianStudio/outbox-relay/relay"
	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
)

// Ping returns HTTP Status 200 with response "pong".
func Ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// NotFound answers unmatched routes with the ErrorResponse contract.
func NotFound(c *fiber.Ctx) error {
	return RespondError(c, fiber.StatusNotFound, "route_not_found", "route "+c.Method()+" "+c.Path()+" does not exist")
}

// FiberErrorHandler is the fiber.Config ErrorHandler for every app in this
// module. Client errors are rendered as they are; unclassified errors are
// logged with the request logger and rendered as an opaque 500.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	ctx := c.UserContext()

	var (
		respErr  ErrorResponse
		fiberErr *fiber.Error
	)

	if errors.As(err, &respErr) || errors.As(err, &fiberErr) {
		return RenderError(c, err)
	}

	span := trace.SpanFromContext(ctx)
	libOpentelemetry.HandleSpanError(&span, "handler error", err)

	logger, _, _ := relay.NewTrackingFromContext(ctx)
	libLog.SafeError(logger, ctx, "handler error", err, runtime.IsProductionMode(),
		libLog.String("method", c.Method()),
		libLog.String("path", c.Path()),
	)

	return RespondError(c, fiber.StatusInternalServerError, constant.DefaultErrorTitle, constant.DefaultInternalErrorMessage)
}
