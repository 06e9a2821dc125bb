package http

import (
	"context"
	"time"

	"github.com/LerianStudio/outbox-relay/relay"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
	"github.com/gofiber/fiber/v2"
)

// DefaultHealthCheckTimeout bounds a single dependency probe.
const DefaultHealthCheckTimeout = 2 * time.Second

// Dependency states reported in the health body.
const (
	HealthUp   = "up"
	HealthDown = "down"
)

// HealthCheck probes one dependency. Check returns nil when it is usable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthResponse is the body written by Health.
type HealthResponse struct {
	OK      bool              `json:"ok"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health answers 200 with {"ok": true} when every check passes and 503
// otherwise. Each check runs with DefaultHealthCheckTimeout.
func Health(service string, checks ...HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		logger, _, _ := relay.NewTrackingFromContext(ctx)

		resp := HealthResponse{OK: true, Service: service}

		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
		}

		for _, hc := range checks {
			if hc.Check == nil {
				continue
			}

			if err := probe(ctx, hc); err != nil {
				resp.OK = false
				resp.Checks[hc.Name] = HealthDown

				libLog.SafeError(logger, ctx, "health check failed", err, runtime.IsProductionMode(),
					libLog.String("dependency", hc.Name))

				continue
			}

			resp.Checks[hc.Name] = HealthUp
		}

		status := fiber.StatusOK
		if !resp.OK {
			status = fiber.StatusServiceUnavailable
		}

		return Respond(c, status, resp)
	}
}

func probe(ctx context.Context, hc HealthCheck) error {
	checkCtx, cancel := context.WithTimeout(ctx, DefaultHealthCheckTimeout)
	defer cancel()

	return hc.Check(checkCtx)
}
