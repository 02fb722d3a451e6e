package bus

import (
	"strings"

	"go.opentelemetry.io/otel/metric"

	eventbus "github.com/Croodo/lib-eventbus"
	"github.com/Croodo/lib-eventbus/internal/nilcheck"
	"github.com/Croodo/lib-eventbus/outbox"
)

const (
	defaultMaxConcurrentDispatch = 16
	defaultMaxHandlersPerType    = 100
)

// Config controls bus fan-out and registration behavior.
type Config struct {
	// Source identifies the emitting process in event metadata.
	Source string
	// MaxConcurrentDispatch bounds handler goroutines running at once for
	// fire-and-forget emission.
	MaxConcurrentDispatch int
	// MaxHandlersPerType caps subscriptions per event type. The overflow
	// behavior depends on StrictHandlerLimit.
	MaxHandlersPerType int
	// StrictHandlerLimit rejects over-limit registrations instead of warning.
	StrictHandlerLimit bool
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline bus configuration.
func DefaultConfig() Config {
	return Config{
		Source:                "",
		MaxConcurrentDispatch: defaultMaxConcurrentDispatch,
		MaxHandlersPerType:    defaultMaxHandlersPerType,
		StrictHandlerLimit:    false,
		MeterProvider:         nil,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.MaxConcurrentDispatch <= 0 {
		cfg.MaxConcurrentDispatch = defaults.MaxConcurrentDispatch
	}

	if cfg.MaxHandlersPerType <= 0 {
		cfg.MaxHandlersPerType = defaults.MaxHandlersPerType
	}

	cfg.Source = strings.TrimSpace(cfg.Source)
}

// Option mutates bus configuration at construction.
type Option func(*Bus)

// WithSource sets the source stamped into emitted event metadata.
func WithSource(source string) Option {
	return func(bus *Bus) {
		bus.cfg.Source = source
	}
}

// WithStore wires the outbox store used by reliable emission.
func WithStore(store outbox.Store) Option {
	return func(bus *Bus) {
		if nilcheck.Interface(store) {
			bus.store = nil

			return
		}

		bus.store = store
	}
}

// WithMaxConcurrentDispatch bounds concurrent handler goroutines.
func WithMaxConcurrentDispatch(limit int) Option {
	return func(bus *Bus) {
		if limit > 0 {
			bus.cfg.MaxConcurrentDispatch = limit
		}
	}
}

// WithMaxHandlersPerType caps subscriptions per event type.
func WithMaxHandlersPerType(limit int) Option {
	return func(bus *Bus) {
		if limit > 0 {
			bus.cfg.MaxHandlersPerType = limit
		}
	}
}

// WithStrictHandlerLimit makes over-limit registration an error instead of a
// warning.
func WithStrictHandlerLimit(strict bool) Option {
	return func(bus *Bus) {
		bus.cfg.StrictHandlerLimit = strict
	}
}

// WithMeterProvider injects a custom meter provider for bus metrics. Passing
// nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(bus *Bus) {
		if nilcheck.Interface(provider) {
			bus.cfg.MeterProvider = nil

			return
		}

		bus.cfg.MeterProvider = provider
	}
}

// EmitOption overrides stamped event metadata for one emission.
type EmitOption func(*eventbus.EventMeta)

// WithCorrelation overrides the correlation id otherwise taken from context.
func WithCorrelation(correlationID string) EmitOption {
	return func(meta *eventbus.EventMeta) {
		if strings.TrimSpace(correlationID) != "" {
			meta.CorrelationID = correlationID
		}
	}
}

// WithScope overrides the tenancy scope otherwise taken from context.
func WithScope(scopeType, scopeID string) EmitOption {
	return func(meta *eventbus.EventMeta) {
		meta.ScopeType = scopeType
		meta.ScopeID = scopeID
	}
}

// WithEventSource overrides the bus-level source for one emission.
func WithEventSource(source string) EmitOption {
	return func(meta *eventbus.EventMeta) {
		if strings.TrimSpace(source) != "" {
			meta.Source = source
		}
	}
}
