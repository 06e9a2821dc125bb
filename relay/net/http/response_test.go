//go:build unit

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, app *fiber.App, req *http.Request) (int, []byte) {
	t.Helper()

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, body
}

func decodeError(t *testing.T, body []byte) ErrorResponse {
	t.Helper()

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))

	return errResp
}

func TestRespondError(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Get("/test", func(c *fiber.Ctx) error {
		return RespondError(c, fiber.StatusConflict, "order_cancelled", "order is cancelled")
	})

	status, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, ErrorResponse{Code: 409, Title: "order_cancelled", Message: "order is cancelled"}, decodeError(t, body))
}

func TestOKAndCreated(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Get("/ok", func(c *fiber.Ctx) error { return OK(c, fiber.Map{"n": 1}) })
	app.Post("/created", func(c *fiber.Ctx) error { return Created(c, fiber.Map{"id": "x"}) })

	status, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"n":1}`, string(body))

	status, body = doRequest(t, app, httptest.NewRequest(http.MethodPost, "/created", nil))
	assert.Equal(t, fiber.StatusCreated, status)
	assert.JSONEq(t, `{"id":"x"}`, string(body))
}

func TestRenderError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		want       ErrorResponse
	}{
		{
			name:       "error response keeps its fields",
			err:        NewError(fiber.StatusNotFound, "order_not_found", "order 1 was not found"),
			wantStatus: fiber.StatusNotFound,
			want:       ErrorResponse{Code: 404, Title: "order_not_found", Message: "order 1 was not found"},
		},
		{
			name:       "wrapped error response is unwrapped",
			err:        fmt.Errorf("confirm: %w", NewError(fiber.StatusConflict, "invalid_transition", "cancelled")),
			wantStatus: fiber.StatusConflict,
			want:       ErrorResponse{Code: 409, Title: "invalid_transition", Message: "cancelled"},
		},
		{
			name:       "blank title and message are filled",
			err:        ErrorResponse{Code: fiber.StatusBadRequest},
			wantStatus: fiber.StatusBadRequest,
			want:       ErrorResponse{Code: 400, Title: "request_failed", Message: "Bad Request"},
		},
		{
			name:       "out of range code becomes 500",
			err:        ErrorResponse{Code: 42, Title: "weird", Message: "weird"},
			wantStatus: fiber.StatusInternalServerError,
			want:       ErrorResponse{Code: 500, Title: "weird", Message: "weird"},
		},
		{
			name:       "fiber error keeps its code",
			err:        fiber.NewError(fiber.StatusMethodNotAllowed, "nope"),
			wantStatus: fiber.StatusMethodNotAllowed,
			want:       ErrorResponse{Code: 405, Title: "request_failed", Message: "nope"},
		},
		{
			name:       "plain error is opaque",
			err:        errors.New("dial tcp 10.0.0.1:5432: connection refused"),
			wantStatus: fiber.StatusInternalServerError,
			want:       ErrorResponse{Code: 500, Title: "request_failed", Message: "An internal error occurred"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := fiber.New()
			app.Get("/test", func(c *fiber.Ctx) error { return RenderError(c, tt.err) })

			status, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.want, decodeError(t, body))
		})
	}
}

func TestRenderError_NilIsNoop(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Get("/test", func(c *fiber.Ctx) error {
		require.NoError(t, RenderError(c, nil))
		return c.SendStatus(fiber.StatusNoContent)
	})

	status, _ := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, fiber.StatusNoContent, status)
}
