package http

import (
	"errors"
	"net/http"

	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/gofiber/fiber/v2"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// HTTP status code
	Code int `json:"code"    example:"404"`
	// Error type identifier
	Title string `json:"title"   example:"order_not_found"`
	// Human-readable error message
	Message string `json:"message" example:"order 65f1c0d2 was not found"`
}

// Error allows ErrorResponse to satisfy the error interface.
func (e ErrorResponse) Error() string {
	return e.Message
}

// NewError builds an ErrorResponse for handlers that return their failure
// instead of writing it.
func NewError(status int, title, message string) ErrorResponse {
	return ErrorResponse{Code: status, Title: title, Message: message}
}

// Respond writes body as JSON with the given status.
func Respond(c *fiber.Ctx, status int, body any) error {
	return c.Status(status).JSON(body)
}

// RespondError writes an ErrorResponse with the given status.
func RespondError(c *fiber.Ctx, status int, title, message string) error {
	return Respond(c, status, ErrorResponse{
		Code:    status,
		Title:   title,
		Message: message,
	})
}

// OK writes a 200 response.
func OK(c *fiber.Ctx, body any) error {
	return Respond(c, fiber.StatusOK, body)
}

// Created writes a 201 response.
func Created(c *fiber.Ctx, body any) error {
	return Respond(c, fiber.StatusCreated, body)
}

// RenderError writes err through the ErrorResponse contract. ErrorResponse
// values keep their status, fiber errors keep their code, and anything else
// becomes an opaque 500.
func RenderError(c *fiber.Ctx, err error) error {
	if err == nil {
		return nil
	}

	var respErr ErrorResponse
	if errors.As(err, &respErr) {
		status := fiber.StatusInternalServerError
		if respErr.Code >= http.StatusContinue && respErr.Code <= 599 {
			status = respErr.Code
		}

		title := respErr.Title
		if title == "" {
			title = constant.DefaultErrorTitle
		}

		message := respErr.Message
		if message == "" {
			message = http.StatusText(status)
		}

		return RespondError(c, status, title, message)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return RespondError(c, fiberErr.Code, constant.DefaultErrorTitle, fiberErr.Message)
	}

	return RespondError(c, fiber.StatusInternalServerError, constant.DefaultErrorTitle, constant.DefaultInternalErrorMessage)
}
