package bus

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type busMetrics struct {
	eventsEmitted         metric.Int64Counter
	eventsEmittedReliable metric.Int64Counter
	handlerFailures       metric.Int64Counter
}

func newBusMetrics(provider metric.MeterProvider) (busMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventbus.bus")

	var (
		metrics busMetrics
		err     error
	)

	metrics.eventsEmitted, err = meter.Int64Counter(
		"bus.events.emitted",
		metric.WithDescription("Number of events accepted for fan-out"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.events.emitted counter: %w", err)
	}

	metrics.eventsEmittedReliable, err = meter.Int64Counter(
		"bus.events.emitted_reliable",
		metric.WithDescription("Number of events durably persisted for outbox delivery"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.events.emitted_reliable counter: %w", err)
	}

	metrics.handlerFailures, err = meter.Int64Counter(
		"bus.handler.failures",
		metric.WithDescription("Number of handler invocations that returned an error or panicked"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.handler.failures counter: %w", err)
	}

	return metrics, nil
}
