package http

import (
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"

	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libHTTP "github.com/LerianStudio/outbox-relay/relay/net/http"
)

// RouterConfig holds what NewRouter mounts.
type RouterConfig struct {
	ServiceName  string
	Handler      *Handler
	Logger       libLog.Logger
	Tracer       trace.Tracer
	HealthChecks []libHTTP.HealthCheck
}

// NewRouter builds the API app. /health is served but not access-logged.
func NewRouter(cfg RouterConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               cfg.ServiceName,
		DisableStartupMessage: true,
		ErrorHandler:          libHTTP.FiberErrorHandler,
	})

	app.Use(libHTTP.WithTelemetry(cfg.Tracer))
	app.Use(libHTTP.WithHTTPLogging(
		libHTTP.WithCustomLogger(cfg.Logger),
		libHTTP.WithSkipPaths("/health"),
	))

	app.Get("/health", libHTTP.Health(cfg.ServiceName, cfg.HealthChecks...))
	app.Get("/ping", libHTTP.Ping)

	if h := cfg.Handler; h != nil {
		app.Post("/orders", h.CreateOrder)
		app.Get("/orders", h.ListOrders)
		app.Get("/orders/:id", h.GetOrder)
		app.Post("/orders/:id/confirm", h.ConfirmOrder)
		app.Post("/orders/:id/cancel", h.CancelOrder)
		app.Get("/outbox/stats", h.OutboxStats)
		app.Post("/echo", h.Echo)

		if h.reservations != nil {
			app.Get("/reservations/:sku", h.GetReservation)
		}
	}

	app.Use(libHTTP.NotFound)

	return app
}
