package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type serviceMetrics struct {
	eventsPublished   metric.Int64Counter
	eventsFailed      metric.Int64Counter
	eventsDeadLetters metric.Int64Counter
	processLatency    metric.Float64Histogram
	batchSize         metric.Int64Gauge
}

func newServiceMetrics(provider metric.MeterProvider) (serviceMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventkit.outbox")

	var (
		metrics serviceMetrics
		err     error
	)

	metrics.eventsPublished, err = meter.Int64Counter(
		"outbox.events.published",
		metric.WithDescription("Number of outbox events successfully published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return serviceMetrics{}, fmt.Errorf("create outbox.events.published counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Number of outbox publish attempts that failed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return serviceMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	metrics.eventsDeadLetters, err = meter.Int64Counter(
		"outbox.events.dead_lettered",
		metric.WithDescription("Number of outbox events that exhausted their retry budget"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return serviceMetrics{}, fmt.Errorf("create outbox.events.dead_lettered counter: %w", err)
	}

	metrics.processLatency, err = meter.Float64Histogram(
		"outbox.process.latency",
		metric.WithDescription("Time taken per processing cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return serviceMetrics{}, fmt.Errorf("create outbox.process.latency histogram: %w", err)
	}

	metrics.batchSize, err = meter.Int64Gauge(
		"outbox.batch.size",
		metric.WithDescription("Number of outbox events claimed in a processing cycle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return serviceMetrics{}, fmt.Errorf("create outbox.batch.size gauge: %w", err)
	}

	return metrics, nil
}
