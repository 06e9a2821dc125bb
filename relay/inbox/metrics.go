package inbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	constant "github.com/LerianStudio/outbox-relay/relay/constants"
)

type inboxMetrics struct {
	messages metric.Int64Counter
	retries  metric.Int64Counter
	duration metric.Float64Histogram
}

func newInboxMetrics(provider metric.MeterProvider) (inboxMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(constant.MeterInboxConsumer)

	var (
		metrics inboxMetrics
		err     error
	)

	if metrics.messages, err = meter.Int64Counter("inbox.messages",
		metric.WithDescription("Deliveries handled, by outcome"),
		metric.WithUnit("{message}")); err != nil {
		return inboxMetrics{}, fmt.Errorf("create inbox.messages counter: %w", err)
	}

	if metrics.retries, err = meter.Int64Counter("inbox.retries",
		metric.WithDescription("Sweeper retries, by result"),
		metric.WithUnit("{message}")); err != nil {
		return inboxMetrics{}, fmt.Errorf("create inbox.retries counter: %w", err)
	}

	if metrics.duration, err = meter.Float64Histogram("inbox.handler.duration",
		metric.WithDescription("Duration of one handler run"),
		metric.WithUnit("s")); err != nil {
		return inboxMetrics{}, fmt.Errorf("create inbox.handler.duration histogram: %w", err)
	}

	return metrics, nil
}
