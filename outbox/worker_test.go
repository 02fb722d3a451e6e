//go:build unit

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventbus "github.com/Croodo/lib-eventbus"
)

type fakeStore struct {
	mu sync.Mutex

	claimQueue [][]*Entry
	claimErr   error

	completed   []uuid.UUID
	completeErr error

	retries  []retryCall
	retryErr error

	failed    []failCall
	failedErr error

	resetIDs []uuid.UUID
	resetN   int

	counts map[Status]int
}

type retryCall struct {
	id          uuid.UUID
	nextRetryAt time.Time
	errMsg      string
}

type failCall struct {
	id     uuid.UUID
	errMsg string
}

func (store *fakeStore) Insert(_ context.Context, entry *Entry) (*Entry, error) {
	return entry, nil
}

func (store *fakeStore) GetByID(_ context.Context, _ uuid.UUID) (*Entry, error) {
	return nil, ErrEntryNotFound
}

func (store *fakeStore) ClaimBatch(_ context.Context, _ time.Time, _ int) ([]*Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.claimErr != nil {
		return nil, store.claimErr
	}

	if len(store.claimQueue) == 0 {
		return nil, nil
	}

	batch := store.claimQueue[0]
	store.claimQueue = store.claimQueue[1:]

	return batch, nil
}

func (store *fakeStore) MarkCompleted(_ context.Context, id uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.completeErr != nil {
		return store.completeErr
	}

	store.completed = append(store.completed, id)

	return nil
}

func (store *fakeStore) MarkRetry(_ context.Context, id uuid.UUID, nextRetryAt time.Time, errMsg string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.retryErr != nil {
		return store.retryErr
	}

	store.retries = append(store.retries, retryCall{id: id, nextRetryAt: nextRetryAt, errMsg: errMsg})

	return nil
}

func (store *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.failedErr != nil {
		return store.failedErr
	}

	store.failed = append(store.failed, failCall{id: id, errMsg: errMsg})

	return nil
}

func (store *fakeStore) ListDead(_ context.Context, _ Cursor, _ int) ([]*Entry, Cursor, error) {
	return nil, Cursor{}, nil
}

func (store *fakeStore) RetryDead(_ context.Context, ids []uuid.UUID) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.resetIDs = append(store.resetIDs, ids...)

	return store.resetN, nil
}

func (store *fakeStore) PurgeDead(_ context.Context, _ []uuid.UUID) (int, error) {
	return 0, nil
}

func (store *fakeStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	return store.counts, nil
}

func claimedEntry(attempts int) *Entry {
	return &Entry{
		ID:        uuid.New(),
		EventType: "order.created",
		Payload:   json.RawMessage(`{"orderId":"o-1"}`),
		Meta:      eventbus.EventMeta{EventID: uuid.New()},
		Status:    StatusProcessing,
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
}

func TestNewWorker_RequiresStoreAndDispatcher(t *testing.T) {
	t.Parallel()

	dispatch := DispatchFunc(func(context.Context, eventbus.Event) error { return nil })

	_, err := NewWorker(nil, dispatch, nil, nil)
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewWorker(&fakeStore{}, nil, nil, nil)
	require.ErrorIs(t, err, ErrDispatcherRequired)
}

func TestProcessBatch_MarksDeliveredEntriesCompleted(t *testing.T) {
	t.Parallel()

	first := claimedEntry(1)
	second := claimedEntry(1)
	store := &fakeStore{claimQueue: [][]*Entry{{first, second}}}

	var delivered []string
	dispatch := DispatchFunc(func(_ context.Context, event eventbus.Event) error {
		delivered = append(delivered, event.Type)
		return nil
	})

	worker, err := NewWorker(store, dispatch, nil, nil)
	require.NoError(t, err)

	claimed, err := worker.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, claimed)
	assert.Len(t, delivered, 2)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, store.completed)
	assert.Empty(t, store.retries)
	assert.Empty(t, store.failed)
}

func TestProcessBatch_SchedulesRetryWithinJitterBand(t *testing.T) {
	t.Parallel()

	entry := claimedEntry(3)
	store := &fakeStore{claimQueue: [][]*Entry{{entry}}}
	dispatch := DispatchFunc(func(context.Context, eventbus.Event) error {
		return errors.New("broker unavailable")
	})

	worker, err := NewWorker(store, dispatch, nil, nil,
		WithBaseDelay(100*time.Millisecond),
		WithMaxDelay(time.Minute),
		WithJitterFraction(0.1),
		WithMaxRetries(5),
	)
	require.NoError(t, err)

	before := time.Now().UTC()
	_, err = worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	after := time.Now().UTC()

	require.Len(t, store.retries, 1)
	call := store.retries[0]
	assert.Equal(t, entry.ID, call.id)
	assert.Equal(t, "broker unavailable", call.errMsg)
	assert.Empty(t, store.failed)

	// attempts=3 with base 100ms gives 800ms, jittered within +-10%.
	exponential := float64(800 * time.Millisecond)
	minDelay := time.Duration(exponential * 0.9)
	maxDelay := time.Duration(exponential * 1.1)
	assert.False(t, call.nextRetryAt.Before(before.Add(minDelay)))
	assert.False(t, call.nextRetryAt.After(after.Add(maxDelay)))
}

func TestProcessBatch_DeadLettersAtRetryBudget(t *testing.T) {
	t.Parallel()

	entry := claimedEntry(5)
	store := &fakeStore{claimQueue: [][]*Entry{{entry}}}
	dispatch := DispatchFunc(func(context.Context, eventbus.Event) error {
		return errors.New("schema mismatch")
	})

	var hookMu sync.Mutex
	var hooked []*Entry

	worker, err := NewWorker(store, dispatch, nil, nil,
		WithMaxRetries(5),
		WithOnPermanentFailure(func(_ context.Context, failed *Entry) {
			hookMu.Lock()
			defer hookMu.Unlock()
			hooked = append(hooked, failed)
		}),
	)
	require.NoError(t, err)

	_, err = worker.ProcessBatch(context.Background())
	require.NoError(t, err)

	require.Len(t, store.failed, 1)
	assert.Equal(t, entry.ID, store.failed[0].id)
	assert.Empty(t, store.retries)

	require.Len(t, hooked, 1)
	assert.Equal(t, StatusFailed, hooked[0].Status)
	assert.Equal(t, "schema mismatch", hooked[0].LastError)
	assert.Nil(t, hooked[0].NextRetryAt)
}

func TestProcessBatch_CompletesOnceDeliveryRecovers(t *testing.T) {
	t.Parallel()

	entry := claimedEntry(1)
	reclaimed := claimedEntry(2)
	reclaimed.ID = entry.ID

	store := &fakeStore{claimQueue: [][]*Entry{{entry}, {reclaimed}}}

	var calls atomic.Int32
	dispatch := DispatchFunc(func(context.Context, eventbus.Event) error {
		if calls.Add(1) == 1 {
			return errors.New("downstream warming up")
		}

		return nil
	})

	worker, err := NewWorker(store, dispatch, nil, nil, WithMaxRetries(5))
	require.NoError(t, err)

	_, err = worker.ProcessBatch(context.Background())
	require.NoError(t, err)

	require.Len(t, store.retries, 1)
	assert.Empty(t, store.completed)

	_, err = worker.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []uuid.UUID{entry.ID}, store.completed)
	assert.Len(t, store.retries, 1)
	assert.Empty(t, store.failed)
}

func TestProcessBatch_BelowBudgetRetriesEvenAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	entry := claimedEntry(4)
	store := &fakeStore{claimQueue: [][]*Entry{{entry}}}
	dispatch := DispatchFunc(func(context.Context, eventbus.Event) error {
		return errors.New("still failing")
	})

	worker, err := NewWorker(store, dispatch, nil, nil, WithMaxRetries(5))
	require.NoError(t, err)

	_, err = worker.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Len(t, store.retries, 1)
	assert.Empty(t, store.failed)
}

func TestProcessBatch_ContainsHandlerPanics(t *testing.T) {
	t.Parallel()

	entry := claimedEntry(0)
	store := &fakeStore{claimQueue: [][]*Entry{{entry}}}
	dispatch := DispatchFunc(func(context.Context, eventbus.Event) error {
		panic("handler exploded")
	})

	worker, err := NewWorker(store, dispatch, nil, nil)
	require.NoError(t, err)

	_, err = worker.ProcessBatch(context.Background())
	require.NoError(t, err)

	require.Len(t, store.retries, 1)
	assert.Contains(t, store.retries[0].errMsg, "handler panic")
}

func TestProcessBatch_HookPanicDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	exhausted := claimedEntry(5)
	healthy := claimedEntry(1)
	store := &fakeStore{claimQueue: [][]*Entry{{exhausted, healthy}}}

	dispatch := DispatchFunc(func(_ context.Context, event eventbus.Event) error {
		if event.Meta.EventID == exhausted.Meta.EventID {
			return errors.New("exhausted")
		}
		return nil
	})

	worker, err := NewWorker(store, dispatch, nil, nil,
		WithMaxRetries(5),
		WithOnPermanentFailure(func(context.Context, *Entry) {
			panic("hook exploded")
		}),
	)
	require.NoError(t, err)

	claimed, err := worker.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, claimed)
	assert.Len(t, store.failed, 1)
	assert.Equal(t, []uuid.UUID{healthy.ID}, store.completed)
}

func TestProcessBatch_PropagatesClaimErrors(t *testing.T) {
	t.Parallel()

	store := &fakeStore{claimErr: errors.New("db down")}
	dispatch := DispatchFunc(func(context.Context, eventbus.Event) error { return nil })

	worker, err := NewWorker(store, dispatch, nil, nil)
	require.NoError(t, err)

	_, err = worker.ProcessBatch(context.Background())
	require.ErrorContains(t, err, "claim batch")
}

// A failed completion write leaves the entry PROCESSING under its
// claim-time reclaim deadline; the store-level redelivery after that
// deadline is covered by the memory store suite.
func TestProcessBatch_CompletionFailureLeavesEntryForReclaim(t *testing.T) {
	t.Parallel()

	entry := claimedEntry(0)
	store := &fakeStore{
		claimQueue:  [][]*Entry{{entry}},
		completeErr: errors.New("write timeout"),
	}
	dispatch := DispatchFunc(func(context.Context, eventbus.Event) error { return nil })

	worker, err := NewWorker(store, dispatch, nil, nil)
	require.NoError(t, err)

	claimed, err := worker.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, claimed)
	assert.Empty(t, store.completed)
	assert.Empty(t, store.retries)
	assert.Empty(t, store.failed)
}

func TestRetryFailed(t *testing.T) {
	t.Parallel()

	store := &fakeStore{resetN: 1}
	dispatch := DispatchFunc(func(context.Context, eventbus.Event) error { return nil })

	worker, err := NewWorker(store, dispatch, nil, nil)
	require.NoError(t, err)

	id := uuid.New()
	reset, err := worker.RetryFailed(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, []uuid.UUID{id}, store.resetIDs)

	_, err = worker.RetryFailed(context.Background(), uuid.Nil)
	require.ErrorIs(t, err, ErrIDRequired)

	store.resetN = 0
	reset, err = worker.RetryFailed(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, reset)
}

func TestFailedCount(t *testing.T) {
	t.Parallel()

	store := &fakeStore{counts: map[Status]int{StatusFailed: 7, StatusPending: 2}}
	dispatch := DispatchFunc(func(context.Context, eventbus.Event) error { return nil })

	worker, err := NewWorker(store, dispatch, nil, nil)
	require.NoError(t, err)

	count, err := worker.FailedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestWorkerStartStop(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	dispatch := DispatchFunc(func(context.Context, eventbus.Event) error { return nil })

	worker, err := NewWorker(store, dispatch, nil, nil, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	worker.Start(context.Background())
	worker.Start(context.Background()) // second start is a no-op

	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, worker.Stop(ctx))
}
