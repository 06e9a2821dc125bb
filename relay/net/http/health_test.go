//go:build unit

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth_NoChecks(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Get("/health", Health("api"))

	status, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"ok":true,"service":"api"}`, string(body))
}

func TestHealth_Checks(t *testing.T) {
	t.Parallel()

	up := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("server selection timeout") }

	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantOK     bool
		wantChecks map[string]string
	}{
		{
			name:       "all up",
			checks:     []HealthCheck{{Name: "mongo", Check: up}, {Name: "rabbitmq", Check: up}},
			wantStatus: fiber.StatusOK,
			wantOK:     true,
			wantChecks: map[string]string{"mongo": HealthUp, "rabbitmq": HealthUp},
		},
		{
			name:       "one down",
			checks:     []HealthCheck{{Name: "mongo", Check: down}, {Name: "rabbitmq", Check: up}},
			wantStatus: fiber.StatusServiceUnavailable,
			wantOK:     false,
			wantChecks: map[string]string{"mongo": HealthDown, "rabbitmq": HealthUp},
		},
		{
			name:       "nil check skipped",
			checks:     []HealthCheck{{Name: "postgres", Check: up}, {Name: "ghost"}},
			wantStatus: fiber.StatusOK,
			wantOK:     true,
			wantChecks: map[string]string{"postgres": HealthUp},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := fiber.New()
			app.Get("/health", Health("worker", tt.checks...))

			status, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.wantStatus, status)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(body, &resp))

			assert.Equal(t, tt.wantOK, resp.OK)
			assert.Equal(t, "worker", resp.Service)
			assert.Equal(t, tt.wantChecks, resp.Checks)
		})
	}
}

func TestHealth_CheckHasDeadline(t *testing.T) {
	t.Parallel()

	var hadDeadline bool

	app := fiber.New()
	app.Get("/health", Health("api", HealthCheck{
		Name: "mongo",
		Check: func(ctx context.Context) error {
			_, hadDeadline = ctx.Deadline()
			return nil
		},
	}))

	status, _ := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, fiber.StatusOK, status)
	assert.True(t, hadDeadline)
}
