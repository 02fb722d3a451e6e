// Package bus implements a typed publish/subscribe event bus with schema
// validation, fire-and-forget fan-out, and reliable emission through an
// outbox store.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	eventbus "github.com/Croodo/lib-eventbus"
	"github.com/Croodo/lib-eventbus/internal/nilcheck"
	libLog "github.com/Croodo/lib-eventbus/log"
	"github.com/Croodo/lib-eventbus/outbox"
	libRuntime "github.com/Croodo/lib-eventbus/runtime"
)

type subscription struct {
	id      uint64
	handler eventbus.Handler
	once    bool
}

// Bus routes typed events to subscribed handlers. Fire-and-forget emission
// contains handler failures; the Dispatch path reports them, which is what
// the outbox worker consumes for its delivery verdict.
type Bus struct {
	logger   libLog.Logger
	tracer   trace.Tracer
	cfg      Config
	store    outbox.Store
	validate *validator.Validate
	schemas  *schemaRegistry

	handlersMu sync.RWMutex
	handlers   map[string][]*subscription
	global     []*subscription
	nextSubID  atomic.Uint64

	gate       chan struct{}
	dispatchWg sync.WaitGroup

	metrics busMetrics
}

var _ outbox.Dispatcher = (*Bus)(nil)

// New creates a bus. The store is optional; without one, reliable emission
// returns ErrStoreNotConfigured while plain emission still works.
func New(logger libLog.Logger, tracer trace.Tracer, opts ...Option) (*Bus, error) {
	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventbus.noop")
	}

	bus := &Bus{
		logger:   logger,
		tracer:   tracer,
		cfg:      DefaultConfig(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		schemas:  newSchemaRegistry(),
		handlers: make(map[string][]*subscription),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}

	bus.cfg.normalize()
	bus.gate = make(chan struct{}, bus.cfg.MaxConcurrentDispatch)

	metrics, err := newBusMetrics(bus.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init bus metrics: %w", err)
	}

	bus.metrics = metrics

	return bus, nil
}

// RegisterEventType binds a payload schema to an event type. Registration is
// thread-safe and last-writer-wins, intended for process bootstrap.
func (bus *Bus) RegisterEventType(eventType string, schema Schema) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	if schema.IsZero() {
		return ErrSchemaRequired
	}

	bus.schemas.register(eventType, schema)

	return nil
}

// Registered reports whether a schema exists for the event type.
func (bus *Bus) Registered(eventType string) bool {
	_, ok := bus.schemas.lookup(eventType)

	return ok
}

// SchemaOf returns the schema registered for the event type.
func (bus *Bus) SchemaOf(eventType string) (Schema, bool) {
	return bus.schemas.lookup(eventType)
}

// Emit validates the payload and fans the event out to current subscribers
// asynchronously. Handler failures are logged and contained; emission errors
// are limited to unregistered types and invalid payloads. Nothing is
// persisted and nothing is retried.
func (bus *Bus) Emit(ctx context.Context, eventType string, payload []byte, opts ...EmitOption) error {
	if ctx == nil {
		ctx = context.Background()
	}

	event, err := bus.buildEvent(ctx, eventType, payload, opts)
	if err != nil {
		return err
	}

	bus.addEmitted(ctx)

	subs := bus.snapshot(event.Type, true)

	for _, sub := range subs {
		handler := sub.handler

		bus.dispatchWg.Add(1)
		libRuntime.SafeGo(bus.logger, "bus.emit_handler", libRuntime.KeepRunning, func() {
			defer bus.dispatchWg.Done()

			bus.gate <- struct{}{}
			defer func() { <-bus.gate }()

			if err := bus.invoke(ctx, handler, event); err != nil {
				bus.addHandlerFailure(ctx)
				bus.logger.Log(ctx, libLog.LevelError, "event handler failed",
					libLog.String("event_type", event.Type),
					libLog.String("event_id", event.Meta.EventID.String()),
					libLog.Err(err),
				)
			}
		})
	}

	return nil
}

// EmitReliable validates the payload, stamps the envelope, and writes a
// pending outbox entry through the configured store. It returns once the
// entry is durable; delivery happens later through the worker.
func (bus *Bus) EmitReliable(ctx context.Context, eventType string, payload []byte, opts ...EmitOption) (*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if nilcheck.Interface(bus.store) {
		return nil, ErrStoreNotConfigured
	}

	entry, err := bus.buildEntry(ctx, eventType, payload, opts)
	if err != nil {
		return nil, err
	}

	stored, err := bus.store.Insert(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("persisting outbox entry: %w", err)
	}

	bus.addEmittedReliable(ctx)

	return stored, nil
}

// EmitReliableTx is EmitReliable writing through the caller's transaction,
// pairing the outbox write with the business write in one unit of work. The
// store must support transactional inserts.
func (bus *Bus) EmitReliableTx(ctx context.Context, tx outbox.Tx, eventType string, payload []byte, opts ...EmitOption) (*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if nilcheck.Interface(bus.store) {
		return nil, ErrStoreNotConfigured
	}

	if tx == nil {
		return nil, ErrTxRequired
	}

	inserter, ok := bus.store.(outbox.TxInserter)
	if !ok {
		return nil, ErrTxNotSupported
	}

	entry, err := bus.buildEntry(ctx, eventType, payload, opts)
	if err != nil {
		return nil, err
	}

	stored, err := inserter.InsertTx(ctx, tx, entry)
	if err != nil {
		return nil, fmt.Errorf("persisting outbox entry: %w", err)
	}

	bus.addEmittedReliable(ctx)

	return stored, nil
}

// Dispatch fans one already-stamped event out to current subscribers and
// waits for every handler, joining their errors. Payloads are not
// re-validated here: a stored entry already passed validation at emission,
// and rejecting it on a later schema change would strand it.
func (bus *Bus) Dispatch(ctx context.Context, event eventbus.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := bus.tracer.Start(ctx, "bus.dispatch")
	defer span.End()

	subs := bus.snapshot(event.Type, true)

	var errs []error

	for _, sub := range subs {
		if err := bus.invoke(ctx, sub.handler, event); err != nil {
			bus.addHandlerFailure(ctx)

			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("dispatch %q: %w", event.Type, errors.Join(errs...))
	}

	return nil
}

// invoke runs one handler with panic containment, converting a panic into an
// error so dispatch verdicts stay uniform.
func (bus *Bus) invoke(ctx context.Context, handler eventbus.Handler, event eventbus.Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
			libRuntime.LogRecovered(ctx, bus.logger, "bus", "handler", recovered)
		}
	}()

	return handler(ctx, event)
}

// On subscribes a handler to one event type and returns its detach function.
// With the strict handler limit, over-limit registration fails; otherwise it
// is accepted with a warning.
func (bus *Bus) On(eventType string, handler eventbus.Handler) (eventbus.Unsubscribe, error) {
	return bus.subscribe(eventType, handler, false)
}

// Once subscribes a handler that detaches itself after its first delivery.
func (bus *Bus) Once(eventType string, handler eventbus.Handler) (eventbus.Unsubscribe, error) {
	return bus.subscribe(eventType, handler, true)
}

// OnAll subscribes a handler to every event type.
func (bus *Bus) OnAll(handler eventbus.Handler) (eventbus.Unsubscribe, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}

	sub := &subscription{id: bus.nextSubID.Add(1), handler: handler}

	bus.handlersMu.Lock()
	bus.global = append(bus.global, sub)
	bus.handlersMu.Unlock()

	return func() {
		bus.handlersMu.Lock()
		defer bus.handlersMu.Unlock()

		bus.global = removeSubscription(bus.global, sub.id)
	}, nil
}

func (bus *Bus) subscribe(eventType string, handler eventbus.Handler, once bool) (eventbus.Unsubscribe, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	sub := &subscription{id: bus.nextSubID.Add(1), handler: handler, once: once}

	bus.handlersMu.Lock()

	if len(bus.handlers[eventType]) >= bus.cfg.MaxHandlersPerType {
		if bus.cfg.StrictHandlerLimit {
			bus.handlersMu.Unlock()

			return nil, fmt.Errorf("%w: %q has %d handlers", ErrTooManyHandlers, eventType, bus.cfg.MaxHandlersPerType)
		}

		bus.logger.Log(context.Background(), libLog.LevelWarn, "handler count exceeds configured limit",
			libLog.String("event_type", eventType),
			libLog.Int("limit", bus.cfg.MaxHandlersPerType),
		)
	}

	bus.handlers[eventType] = append(bus.handlers[eventType], sub)
	bus.handlersMu.Unlock()

	return func() {
		bus.handlersMu.Lock()
		defer bus.handlersMu.Unlock()

		bus.handlers[eventType] = removeSubscription(bus.handlers[eventType], sub.id)
	}, nil
}

// Off removes every handler subscribed to the event type.
func (bus *Bus) Off(eventType string) {
	bus.handlersMu.Lock()
	defer bus.handlersMu.Unlock()

	delete(bus.handlers, eventType)
}

// OffAll removes every handler, typed and global.
func (bus *Bus) OffAll() {
	bus.handlersMu.Lock()
	defer bus.handlersMu.Unlock()

	bus.handlers = make(map[string][]*subscription)
	bus.global = nil
}

// Reset detaches all handlers. Registered schemas survive; tests that need a
// clean slate between cases use this instead of rebuilding the bus.
func (bus *Bus) Reset() {
	bus.OffAll()
}

// Shutdown waits for in-flight asynchronous fan-outs to settle.
func (bus *Bus) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	done := make(chan struct{})

	libRuntime.SafeGo(bus.logger, "bus.shutdown_wait", libRuntime.KeepRunning, func() {
		bus.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus shutdown: %w", ctx.Err())
	}
}

// snapshot returns the handler set visible at this instant: typed handlers
// first, then global ones. Handlers detached after the snapshot still
// receive this delivery. When consumeOnce is set, once-subscriptions leave
// the registry as part of taking the snapshot, so concurrent deliveries
// cannot double-fire them.
func (bus *Bus) snapshot(eventType string, consumeOnce bool) []*subscription {
	bus.handlersMu.Lock()
	defer bus.handlersMu.Unlock()

	typed := bus.handlers[eventType]
	subs := make([]*subscription, 0, len(typed)+len(bus.global))
	subs = append(subs, typed...)
	subs = append(subs, bus.global...)

	if consumeOnce {
		remaining := typed[:0:0]

		for _, sub := range typed {
			if sub.once {
				continue
			}

			remaining = append(remaining, sub)
		}

		if len(remaining) != len(typed) {
			bus.handlers[eventType] = remaining
		}
	}

	return subs
}

func (bus *Bus) buildEvent(ctx context.Context, eventType string, payload []byte, opts []EmitOption) (eventbus.Event, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return eventbus.Event{}, ErrEventTypeRequired
	}

	schema, ok := bus.schemas.lookup(eventType)
	if !ok {
		return eventbus.Event{}, fmt.Errorf("%w: %q", ErrUnregisteredEvent, eventType)
	}

	if err := schema.validate(bus.validate, eventType, payload); err != nil {
		return eventbus.Event{}, err
	}

	meta := eventbus.EventMeta{
		EventID:       uuid.New(),
		Timestamp:     time.Now().UTC(),
		SchemaVersion: schema.Version(),
		Source:        bus.cfg.Source,
	}

	if correlationID, ok := eventbus.CorrelationIDFromContext(ctx); ok {
		meta.CorrelationID = correlationID
	} else {
		meta.CorrelationID = uuid.NewString()
	}

	if scope, ok := eventbus.ScopeFromContext(ctx); ok {
		meta.ScopeType = scope.Type
		meta.ScopeID = scope.ID
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&meta)
		}
	}

	return eventbus.Event{
		Type:    eventType,
		Payload: json.RawMessage(payload),
		Meta:    meta,
	}, nil
}

func (bus *Bus) buildEntry(ctx context.Context, eventType string, payload []byte, opts []EmitOption) (*outbox.Entry, error) {
	event, err := bus.buildEvent(ctx, eventType, payload, opts)
	if err != nil {
		return nil, err
	}

	entry, err := outbox.NewEntry(event)
	if err != nil {
		return nil, fmt.Errorf("building outbox entry: %w", err)
	}

	return entry, nil
}

func removeSubscription(subs []*subscription, id uint64) []*subscription {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}

	return subs
}

func (bus *Bus) addEmitted(ctx context.Context) {
	if bus.metrics.eventsEmitted == nil {
		return
	}

	bus.metrics.eventsEmitted.Add(ctx, 1)
}

func (bus *Bus) addEmittedReliable(ctx context.Context) {
	if bus.metrics.eventsEmittedReliable == nil {
		return
	}

	bus.metrics.eventsEmittedReliable.Add(ctx, 1)
}

func (bus *Bus) addHandlerFailure(ctx context.Context) {
	if bus.metrics.handlerFailures == nil {
		return
	}

	bus.metrics.handlerFailures.Add(ctx, 1)
}
