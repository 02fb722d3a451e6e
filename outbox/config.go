package outbox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/Croodo/lib-eventbus/internal/nilcheck"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultBatchSize      = 50
	defaultMaxRetries     = 5
	defaultBaseDelay      = 200 * time.Millisecond
	defaultMaxDelay       = 5 * time.Minute
	defaultJitterFraction = 0.1

	// MaxBatchRequestSize caps the number of ids accepted by one dead-letter
	// retry or purge call.
	MaxBatchRequestSize = 1000
)

// WorkerConfig controls worker polling, retry scheduling, and metric behavior.
type WorkerConfig struct {
	// PollInterval is the periodic interval between delivery cycles.
	PollInterval time.Duration
	// BatchSize is the max number of entries claimed per cycle.
	BatchSize int
	// MaxRetries is the attempt count at which an entry is dead-lettered.
	MaxRetries int
	// BaseDelay is the first retry delay before exponential growth.
	BaseDelay time.Duration
	// MaxDelay caps the exponential retry delay.
	MaxDelay time.Duration
	// JitterFraction spreads each retry delay by the given proportion.
	JitterFraction float64
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultWorkerConfig returns the baseline worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxRetries:     defaultMaxRetries,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		JitterFraction: defaultJitterFraction,
		MeterProvider:  nil,
	}
}

func (cfg *WorkerConfig) normalize() {
	defaults := DefaultWorkerConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}

	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}

	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	if cfg.JitterFraction <= 0 || cfg.JitterFraction >= 1 {
		cfg.JitterFraction = defaults.JitterFraction
	}
}

// WorkerOption mutates worker configuration at construction.
type WorkerOption func(*Worker)

// WithPollInterval sets the delivery polling interval.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(worker *Worker) {
		if interval > 0 {
			worker.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum entries claimed in one delivery cycle.
func WithBatchSize(size int) WorkerOption {
	return func(worker *Worker) {
		if size > 0 {
			worker.cfg.BatchSize = size
		}
	}
}

// WithMaxRetries sets the attempt count at which entries dead-letter.
func WithMaxRetries(maxRetries int) WorkerOption {
	return func(worker *Worker) {
		if maxRetries > 0 {
			worker.cfg.MaxRetries = maxRetries
		}
	}
}

// WithBaseDelay sets the first retry delay.
func WithBaseDelay(delay time.Duration) WorkerOption {
	return func(worker *Worker) {
		if delay > 0 {
			worker.cfg.BaseDelay = delay
		}
	}
}

// WithMaxDelay caps the exponential retry delay.
func WithMaxDelay(delay time.Duration) WorkerOption {
	return func(worker *Worker) {
		if delay > 0 {
			worker.cfg.MaxDelay = delay
		}
	}
}

// WithJitterFraction sets the proportional spread applied to retry delays.
// Fractions outside (0, 1) keep the default.
func WithJitterFraction(fraction float64) WorkerOption {
	return func(worker *Worker) {
		if fraction > 0 && fraction < 1 {
			worker.cfg.JitterFraction = fraction
		}
	}
}

// WithOnPermanentFailure registers a hook invoked once per dead-lettered
// entry, after FAILED is persisted. Hook panics and errors are contained.
func WithOnPermanentFailure(hook func(ctx context.Context, entry *Entry)) WorkerOption {
	return func(worker *Worker) {
		worker.onPermanentFailure = hook
	}
}

// WithMeterProvider injects a custom meter provider for worker metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) WorkerOption {
	return func(worker *Worker) {
		if nilcheck.Interface(provider) {
			worker.cfg.MeterProvider = nil

			return
		}

		worker.cfg.MeterProvider = provider
	}
}
