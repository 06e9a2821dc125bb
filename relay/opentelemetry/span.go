package opentelemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HandleSpanError marks span as failed and records err.
func HandleSpanError(span *trace.Span, message string, err error) {
	if span == nil || *span == nil || err == nil {
		return
	}

	(*span).SetStatus(codes.Error, message+": "+err.Error())
	(*span).RecordError(err)
}

// HandleSpanEvent adds a named event to span.
func HandleSpanEvent(span *trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if span == nil || *span == nil {
		return
	}

	(*span).AddEvent(eventName, trace.WithAttributes(attributes...))
}

// HandleSpanBusinessErrorEvent records an expected failure as an event
// without flipping the span status, e.g. a duplicate delivery.
func HandleSpanBusinessErrorEvent(span *trace.Span, eventName string, err error) {
	if span == nil || *span == nil || err == nil {
		return
	}

	(*span).AddEvent(eventName, trace.WithAttributes(attribute.String("error", err.Error())))
}
