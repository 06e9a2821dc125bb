// Package opentelemetry bootstraps trace, metric and log providers and
// carries trace context across HTTP requests and AMQP messages.
package opentelemetry
