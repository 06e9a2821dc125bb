// Package http provides the fiber helpers used by the orders API.
//
// Core entry points include the response helpers (Respond, RespondError,
// RenderError), request validation (ParseBodyAndValidate), the access-log and
// tracing middleware, the Health handler, and FiberErrorHandler so every
// failure leaves the process through one error contract.
package http
