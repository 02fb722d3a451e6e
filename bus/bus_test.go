//go:build unit

package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventbus "github.com/Croodo/lib-eventbus"
	"github.com/Croodo/lib-eventbus/outbox"
	"github.com/Croodo/lib-eventbus/outbox/memory"
)

const validOrderPayload = `{"orderId":"0190c8d2-5a00-7000-8000-000000000001","amount":100,"currency":"USD"}`

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()

	bus, err := New(nil, nil, opts...)
	require.NoError(t, err)

	require.NoError(t, bus.RegisterEventType("order.created", MustSchema(orderCreated{}, 1)))

	return bus
}

func shutdown(t *testing.T, bus *Bus) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, bus.Shutdown(ctx))
}

func TestRegisterEventType(t *testing.T) {
	t.Parallel()

	bus, err := New(nil, nil)
	require.NoError(t, err)

	require.ErrorIs(t, bus.RegisterEventType("  ", MustSchema(orderCreated{}, 1)), ErrEventTypeRequired)
	require.ErrorIs(t, bus.RegisterEventType("order.created", Schema{}), ErrSchemaRequired)

	require.NoError(t, bus.RegisterEventType("order.created", MustSchema(orderCreated{}, 1)))
	assert.True(t, bus.Registered("order.created"))
	assert.False(t, bus.Registered("order.deleted"))

	schema, ok := bus.SchemaOf("order.created")
	require.True(t, ok)
	assert.Equal(t, 1, schema.Version())

	// Re-registration replaces the schema.
	require.NoError(t, bus.RegisterEventType("order.created", MustSchema(orderCreated{}, 2)))
	schema, _ = bus.SchemaOf("order.created")
	assert.Equal(t, 2, schema.Version())
}

func TestEmit_DeliversToSubscribers(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	received := make(chan eventbus.Event, 1)
	_, err := bus.On("order.created", func(_ context.Context, event eventbus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Emit(context.Background(), "order.created", []byte(validOrderPayload)))

	select {
	case event := <-received:
		assert.Equal(t, "order.created", event.Type)
		assert.NotEmpty(t, event.Meta.EventID)
		assert.NotEmpty(t, event.Meta.CorrelationID)
		assert.Equal(t, 1, event.Meta.SchemaVersion)
		assert.JSONEq(t, validOrderPayload, string(event.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("handler never received the event")
	}

	shutdown(t, bus)
}

func TestEmit_RejectsUnregisteredTypes(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	err := bus.Emit(context.Background(), "order.deleted", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnregisteredEvent)

	err = bus.Emit(context.Background(), "", []byte(`{}`))
	require.ErrorIs(t, err, ErrEventTypeRequired)
}

func TestEmit_RejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	err := bus.Emit(context.Background(), "order.created", []byte(`{"amount":-1}`))

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestEmit_HandlerFailuresAreContained(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	var calls atomic.Int32

	_, err := bus.On("order.created", func(context.Context, eventbus.Event) error {
		calls.Add(1)
		return errors.New("handler failed")
	})
	require.NoError(t, err)

	_, err = bus.On("order.created", func(context.Context, eventbus.Event) error {
		calls.Add(1)
		panic("handler exploded")
	})
	require.NoError(t, err)

	require.NoError(t, bus.Emit(context.Background(), "order.created", []byte(validOrderPayload)))

	shutdown(t, bus)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmit_StampsContextCorrelationAndScope(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	received := make(chan eventbus.Event, 1)
	_, err := bus.On("order.created", func(_ context.Context, event eventbus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	ctx := eventbus.ContextWithCorrelationID(context.Background(), "corr-42")
	ctx = eventbus.ContextWithScope(ctx, eventbus.Scope{Type: "organization", ID: "org-1"})

	require.NoError(t, bus.Emit(ctx, "order.created", []byte(validOrderPayload)))

	select {
	case event := <-received:
		assert.Equal(t, "corr-42", event.Meta.CorrelationID)
		assert.Equal(t, "organization", event.Meta.ScopeType)
		assert.Equal(t, "org-1", event.Meta.ScopeID)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never received the event")
	}

	shutdown(t, bus)
}

func TestEmit_OptionsOverrideContext(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, WithSource("billing-service"))

	received := make(chan eventbus.Event, 1)
	_, err := bus.On("order.created", func(_ context.Context, event eventbus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	ctx := eventbus.ContextWithCorrelationID(context.Background(), "from-context")

	err = bus.Emit(ctx, "order.created", []byte(validOrderPayload),
		WithCorrelation("from-option"),
		WithScope("ledger", "ldg-7"),
		WithEventSource("override-source"),
	)
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "from-option", event.Meta.CorrelationID)
		assert.Equal(t, "ledger", event.Meta.ScopeType)
		assert.Equal(t, "ldg-7", event.Meta.ScopeID)
		assert.Equal(t, "override-source", event.Meta.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never received the event")
	}

	shutdown(t, bus)
}

func TestOn_SnapshotIsolation(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	var delivered sync.WaitGroup
	delivered.Add(1)

	unsubscribe, err := bus.On("order.created", func(context.Context, eventbus.Event) error {
		defer delivered.Done()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Emit(context.Background(), "order.created", []byte(validOrderPayload)))

	// Detaching after emission must not suppress the in-flight delivery.
	unsubscribe()

	delivered.Wait()
	shutdown(t, bus)
}

func TestOnce_FiresExactlyOnceUnderConcurrentDispatch(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	var calls atomic.Int32

	_, err := bus.Once("order.created", func(context.Context, eventbus.Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	event := eventbus.Event{Type: "order.created", Payload: []byte(validOrderPayload)}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			_ = bus.Dispatch(context.Background(), event)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubscribe_Validation(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	_, err := bus.On("", func(context.Context, eventbus.Event) error { return nil })
	require.ErrorIs(t, err, ErrEventTypeRequired)

	_, err = bus.On("order.created", nil)
	require.ErrorIs(t, err, ErrHandlerRequired)

	_, err = bus.OnAll(nil)
	require.ErrorIs(t, err, ErrHandlerRequired)
}

func TestSubscribe_StrictHandlerLimit(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, WithMaxHandlersPerType(2), WithStrictHandlerLimit(true))

	handler := func(context.Context, eventbus.Event) error { return nil }

	_, err := bus.On("order.created", handler)
	require.NoError(t, err)
	_, err = bus.On("order.created", handler)
	require.NoError(t, err)

	_, err = bus.On("order.created", handler)
	require.ErrorIs(t, err, ErrTooManyHandlers)
}

func TestSubscribe_LaxHandlerLimitWarnsAndAccepts(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, WithMaxHandlersPerType(1))

	handler := func(context.Context, eventbus.Event) error { return nil }

	_, err := bus.On("order.created", handler)
	require.NoError(t, err)
	_, err = bus.On("order.created", handler)
	require.NoError(t, err)
}

func TestOffAndReset(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	var calls atomic.Int32
	handler := func(context.Context, eventbus.Event) error {
		calls.Add(1)
		return nil
	}

	_, err := bus.On("order.created", handler)
	require.NoError(t, err)
	_, err = bus.OnAll(handler)
	require.NoError(t, err)

	bus.Off("order.created")

	event := eventbus.Event{Type: "order.created", Payload: []byte(validOrderPayload)}
	require.NoError(t, bus.Dispatch(context.Background(), event))
	assert.Equal(t, int32(1), calls.Load(), "only the global handler remains")

	bus.Reset()
	require.NoError(t, bus.Dispatch(context.Background(), event))
	assert.Equal(t, int32(1), calls.Load())

	// Schemas survive a reset.
	assert.True(t, bus.Registered("order.created"))
}

func TestDispatch_JoinsHandlerErrors(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	firstErr := errors.New("first failure")

	_, err := bus.On("order.created", func(context.Context, eventbus.Event) error { return firstErr })
	require.NoError(t, err)
	_, err = bus.On("order.created", func(context.Context, eventbus.Event) error { return nil })
	require.NoError(t, err)
	_, err = bus.OnAll(func(context.Context, eventbus.Event) error { panic("global exploded") })
	require.NoError(t, err)

	event := eventbus.Event{Type: "order.created", Payload: []byte(validOrderPayload)}

	err = bus.Dispatch(context.Background(), event)
	require.ErrorIs(t, err, firstErr)
	assert.Contains(t, err.Error(), "handler panic")
}

func TestDispatch_NoSubscribersSucceeds(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	event := eventbus.Event{Type: "order.created", Payload: []byte(validOrderPayload)}
	require.NoError(t, bus.Dispatch(context.Background(), event))
}

func TestEmitReliable_PersistsPendingEntry(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	bus := newTestBus(t, WithStore(store), WithSource("order-service"))

	entry, err := bus.EmitReliable(context.Background(), "order.created", []byte(validOrderPayload))
	require.NoError(t, err)

	assert.Equal(t, outbox.StatusPending, entry.Status)
	assert.Equal(t, "order.created", entry.EventType)
	assert.Equal(t, "order-service", entry.Meta.Source)
	assert.Zero(t, entry.Attempts)

	stored, err := store.GetByID(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, stored.ID)
}

func TestEmitReliable_RequiresStore(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	_, err := bus.EmitReliable(context.Background(), "order.created", []byte(validOrderPayload))
	require.ErrorIs(t, err, ErrStoreNotConfigured)
}

func TestEmitReliable_ValidatesBeforePersisting(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	bus := newTestBus(t, WithStore(store))

	_, err := bus.EmitReliable(context.Background(), "order.created", []byte(`{"amount":-1}`))

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestEmitReliableTx_RequiresTransactionSupport(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, WithStore(memory.NewStore()))

	_, err := bus.EmitReliableTx(context.Background(), nil, "order.created", []byte(validOrderPayload))
	require.ErrorIs(t, err, ErrTxRequired)

	busNoStore := newTestBus(t)
	_, err = busNoStore.EmitReliableTx(context.Background(), nil, "order.created", []byte(validOrderPayload))
	require.ErrorIs(t, err, ErrStoreNotConfigured)
}

func TestBusImplementsWorkerDispatcher(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	var dispatcher outbox.Dispatcher = bus
	require.NoError(t, dispatcher.Dispatch(context.Background(), eventbus.Event{Type: "order.created"}))
}
