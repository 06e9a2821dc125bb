package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	constant "github.com/LerianStudio/outbox-relay/relay/constants"
)

type dispatcherMetrics struct {
	published        metric.Int64Counter
	failed           metric.Int64Counter
	leaseLost        metric.Int64Counter
	stateUpdateFails metric.Int64Counter
	duration         metric.Float64Histogram
	queueDepth       metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(constant.MeterOutboxDispatcher)

	var (
		metrics dispatcherMetrics
		err     error
	)

	if metrics.published, err = meter.Int64Counter("outbox.events.published",
		metric.WithDescription("Outbox events published and marked"),
		metric.WithUnit("{event}")); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.published counter: %w", err)
	}

	if metrics.failed, err = meter.Int64Counter("outbox.events.failed",
		metric.WithDescription("Outbox publish passes that failed"),
		metric.WithUnit("{event}")); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	if metrics.leaseLost, err = meter.Int64Counter("outbox.events.lease_lost",
		metric.WithDescription("Marks rejected because another dispatcher reclaimed the record"),
		metric.WithUnit("{event}")); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.lease_lost counter: %w", err)
	}

	if metrics.stateUpdateFails, err = meter.Int64Counter("outbox.events.state_update_failed",
		metric.WithDescription("Outbox events published but whose state could not be written"),
		metric.WithUnit("{event}")); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.state_update_failed counter: %w", err)
	}

	if metrics.duration, err = meter.Float64Histogram("outbox.dispatch.duration",
		metric.WithDescription("Duration of one claim-publish-mark unit"),
		metric.WithUnit("s")); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.duration histogram: %w", err)
	}

	if metrics.queueDepth, err = meter.Int64Gauge("outbox.queue.depth",
		metric.WithDescription("Outbox events not yet published"),
		metric.WithUnit("{event}")); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	return metrics, nil
}
