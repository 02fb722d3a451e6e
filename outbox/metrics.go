package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type workerMetrics struct {
	entriesClaimed      metric.Int64Counter
	entriesDelivered    metric.Int64Counter
	entriesRetried      metric.Int64Counter
	entriesDeadLettered metric.Int64Counter
	deliveryLatency     metric.Float64Histogram
	batchDepth          metric.Int64Gauge
}

func newWorkerMetrics(provider metric.MeterProvider) (workerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventbus.outbox.worker")

	var (
		metrics workerMetrics
		err     error
	)

	metrics.entriesClaimed, err = meter.Int64Counter(
		"outbox.entries.claimed",
		metric.WithDescription("Number of outbox entries claimed for delivery"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create outbox.entries.claimed counter: %w", err)
	}

	metrics.entriesDelivered, err = meter.Int64Counter(
		"outbox.entries.delivered",
		metric.WithDescription("Number of outbox entries delivered to all handlers"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create outbox.entries.delivered counter: %w", err)
	}

	metrics.entriesRetried, err = meter.Int64Counter(
		"outbox.entries.retried",
		metric.WithDescription("Number of outbox entries rescheduled after a failed delivery"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create outbox.entries.retried counter: %w", err)
	}

	metrics.entriesDeadLettered, err = meter.Int64Counter(
		"outbox.entries.dead_lettered",
		metric.WithDescription("Number of outbox entries moved to the dead letter state"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create outbox.entries.dead_lettered counter: %w", err)
	}

	metrics.deliveryLatency, err = meter.Float64Histogram(
		"outbox.delivery.latency",
		metric.WithDescription("Time taken per delivery batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create outbox.delivery.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"outbox.batch.depth",
		metric.WithDescription("Number of outbox entries claimed in a delivery cycle"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create outbox.batch.depth gauge: %w", err)
	}

	return metrics, nil
}
