package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	eventbus "github.com/Croodo/lib-eventbus"
	"github.com/Croodo/lib-eventbus/backoff"
	"github.com/Croodo/lib-eventbus/internal/nilcheck"
	libLog "github.com/Croodo/lib-eventbus/log"
	libRuntime "github.com/Croodo/lib-eventbus/runtime"
)

// Dispatcher delivers one claimed event to every subscribed handler and
// reports the aggregate verdict. A nil error means every handler succeeded.
type Dispatcher interface {
	Dispatch(ctx context.Context, event eventbus.Event) error
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, event eventbus.Event) error

// Dispatch implements Dispatcher.
func (fn DispatchFunc) Dispatch(ctx context.Context, event eventbus.Event) error {
	return fn(ctx, event)
}

// Worker drains the outbox: it claims due entries in batches, dispatches
// them, and advances each entry's lifecycle based on the delivery verdict.
// Delivery is at-least-once; handlers must tolerate redelivery.
type Worker struct {
	store      Store
	dispatcher Dispatcher
	logger     libLog.Logger
	tracer     trace.Tracer
	cfg        WorkerConfig

	onPermanentFailure func(ctx context.Context, entry *Entry)

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup

	metrics workerMetrics
}

// BatchResult captures one delivery cycle outcome.
type BatchResult struct {
	Claimed      int
	Delivered    int
	Retried      int
	DeadLettered int
}

// NewWorker creates an outbox delivery worker.
func NewWorker(
	store Store,
	dispatcher Dispatcher,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...WorkerOption,
) (*Worker, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(dispatcher) {
		return nil, ErrDispatcherRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventbus.noop")
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	worker := &Worker{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		tracer:     tracer,
		cfg:        DefaultWorkerConfig(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(worker)
		}
	}

	worker.cfg.normalize()

	metrics, err := newWorkerMetrics(worker.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	worker.metrics = metrics

	return worker, nil
}

// Start launches the polling loop in a panic-contained goroutine. A second
// Start while running is a no-op.
func (worker *Worker) Start(ctx context.Context) {
	if worker == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	if !worker.registerRun(cancel) {
		cancel()
		worker.logger.Log(ctx, libLog.LevelDebug, "outbox worker already running; start ignored")

		return
	}

	libRuntime.SafeGo(worker.logger, "outbox.worker_loop", libRuntime.KeepRunning, func() {
		defer worker.clearRun()

		worker.logger.Log(runCtx, libLog.LevelInfo, "outbox worker started")
		defer worker.logger.Log(context.Background(), libLog.LevelInfo, "outbox worker stopped")

		worker.runLoop(runCtx)
	})
}

func (worker *Worker) runLoop(ctx context.Context) {
	worker.runCycle(ctx, "outbox.worker.initial_batch")

	for {
		if err := backoff.WaitContext(ctx, worker.cfg.PollInterval); err != nil {
			return
		}

		select {
		case <-worker.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		worker.runCycle(ctx, "outbox.worker.poll_batch")
	}
}

func (worker *Worker) runCycle(ctx context.Context, spanName string) {
	worker.cycleWg.Add(1)
	defer worker.cycleWg.Done()

	cycleCtx, span := worker.tracer.Start(ctx, spanName)
	defer span.End()
	defer libRuntime.RecoverAndLogWithContext(cycleCtx, worker.logger, "outbox", "worker_cycle")

	if _, err := worker.ProcessBatch(cycleCtx); err != nil {
		span.SetStatus(codes.Error, "delivery cycle failed")
		span.RecordError(err)
		libLog.SafeError(worker.logger, cycleCtx, "outbox delivery cycle failed", err, false)
	}
}

// Stop signals the loop to exit and waits for the in-flight cycle to drain,
// up to the context deadline. Entries mid-delivery keep their lifecycle
// intact either way: an interrupted delivery is redelivered later.
func (worker *Worker) Stop(ctx context.Context) error {
	if worker == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	worker.stopOnce.Do(func() {
		worker.runStateMu.Lock()
		cancel := worker.cancelFunc
		worker.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(worker.stop)
	})

	done := make(chan struct{})

	libRuntime.SafeGo(worker.logger, "outbox.worker_stop_wait", libRuntime.KeepRunning, func() {
		worker.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker stop: %w", ctx.Err())
	}
}

// ProcessBatch claims and delivers one batch of due entries, returning how
// many entries were claimed. It is safe to call directly without Start for
// tests and on-demand draining.
func (worker *Worker) ProcessBatch(ctx context.Context) (int, error) {
	if worker == nil {
		return 0, ErrDispatcherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	result, err := worker.processBatchResult(ctx)

	return result.Claimed, err
}

func (worker *Worker) processBatchResult(ctx context.Context) (BatchResult, error) {
	start := time.Now().UTC()

	ctx, span := worker.tracer.Start(ctx, "outbox.deliver_batch")
	defer span.End()

	entries, err := worker.store.ClaimBatch(ctx, start, worker.cfg.BatchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("claim batch: %w", err)
	}

	result := BatchResult{Claimed: len(entries)}

	worker.recordBatchDepth(ctx, int64(len(entries)))
	worker.addClaimed(ctx, int64(len(entries)))

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		if entry == nil {
			continue
		}

		switch worker.deliverEntry(ctx, entry) {
		case deliveryCompleted:
			result.Delivered++
		case deliveryRetried:
			result.Retried++
		case deliveryDeadLettered:
			result.DeadLettered++
		}
	}

	worker.addDelivered(ctx, int64(result.Delivered))
	worker.addRetried(ctx, int64(result.Retried))
	worker.addDeadLettered(ctx, int64(result.DeadLettered))
	worker.recordDeliveryLatency(ctx, time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("outbox.batch.claimed", result.Claimed),
		attribute.Int("outbox.batch.delivered", result.Delivered),
		attribute.Int("outbox.batch.retried", result.Retried),
		attribute.Int("outbox.batch.dead_lettered", result.DeadLettered),
	)

	return result, nil
}

type deliveryOutcome int

const (
	deliverySkipped deliveryOutcome = iota
	deliveryCompleted
	deliveryRetried
	deliveryDeadLettered
)

func (worker *Worker) deliverEntry(ctx context.Context, entry *Entry) deliveryOutcome {
	dispatchErr := worker.dispatchContained(ctx, entry)
	if dispatchErr == nil {
		if err := worker.store.MarkCompleted(ctx, entry.ID); err != nil {
			// Handlers already ran; the entry keeps its claim-time reclaim
			// deadline and is redelivered once it elapses, which
			// at-least-once semantics permit.
			libLog.SafeError(worker.logger, ctx, "outbox entry delivered but completion not persisted", err, false)
			worker.logger.Log(ctx, libLog.LevelWarn, "outbox entry may be redelivered",
				libLog.String("entry_id", entry.ID.String()),
				libLog.String("event_type", entry.EventType),
			)

			return deliverySkipped
		}

		return deliveryCompleted
	}

	if entry.Attempts >= worker.cfg.MaxRetries {
		return worker.deadLetter(ctx, entry, dispatchErr)
	}

	nextRetryAt := time.Now().UTC().Add(worker.retryDelay(entry.Attempts))

	if err := worker.store.MarkRetry(ctx, entry.ID, nextRetryAt, sanitizeErrorForStorage(dispatchErr)); err != nil {
		libLog.SafeError(worker.logger, ctx, "failed to schedule outbox retry", err, false)

		return deliverySkipped
	}

	worker.logger.Log(ctx, libLog.LevelWarn, "outbox delivery failed; retry scheduled",
		libLog.String("entry_id", entry.ID.String()),
		libLog.String("event_type", entry.EventType),
		libLog.Int("attempts", entry.Attempts),
		libLog.String("next_retry_at", nextRetryAt.Format(time.RFC3339Nano)),
		libLog.String("error", sanitizeErrorForStorage(dispatchErr)),
	)

	return deliveryRetried
}

func (worker *Worker) deadLetter(ctx context.Context, entry *Entry, dispatchErr error) deliveryOutcome {
	if err := worker.store.MarkFailed(ctx, entry.ID, sanitizeErrorForStorage(dispatchErr)); err != nil {
		libLog.SafeError(worker.logger, ctx, "failed to dead-letter outbox entry", err, false)

		return deliverySkipped
	}

	worker.logger.Log(ctx, libLog.LevelError, "outbox entry dead-lettered after exhausting retries",
		libLog.String("entry_id", entry.ID.String()),
		libLog.String("event_type", entry.EventType),
		libLog.Int("attempts", entry.Attempts),
		libLog.String("error", sanitizeErrorForStorage(dispatchErr)),
	)

	worker.notifyPermanentFailure(ctx, entry, sanitizeErrorForStorage(dispatchErr))

	return deliveryDeadLettered
}

// notifyPermanentFailure runs the hook after FAILED is durable, so a hook
// crash can never lose the dead-letter record.
func (worker *Worker) notifyPermanentFailure(ctx context.Context, entry *Entry, errMsg string) {
	hook := worker.onPermanentFailure
	if hook == nil {
		return
	}

	defer libRuntime.RecoverAndLogWithContext(ctx, worker.logger, "outbox", "permanent_failure_hook")

	notified := entry.Clone()
	notified.Status = StatusFailed
	notified.LastError = errMsg
	notified.NextRetryAt = nil

	hook(ctx, notified)
}

func (worker *Worker) dispatchContained(ctx context.Context, entry *Entry) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
			libRuntime.LogRecovered(ctx, worker.logger, "outbox", "dispatch", recovered)
		}
	}()

	return worker.dispatcher.Dispatch(ctx, entry.Event())
}

func (worker *Worker) retryDelay(attempts int) time.Duration {
	delay := backoff.ExponentialCapped(worker.cfg.BaseDelay, worker.cfg.MaxDelay, attempts)

	return backoff.ProportionalJitter(delay, worker.cfg.JitterFraction)
}

// RetryFailed requeues one dead-lettered entry for fresh delivery, reporting
// whether it was actually reset.
func (worker *Worker) RetryFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	if worker == nil {
		return false, ErrDispatcherRequired
	}

	if id == uuid.Nil {
		return false, ErrIDRequired
	}

	reset, err := worker.store.RetryDead(ctx, []uuid.UUID{id})
	if err != nil {
		return false, fmt.Errorf("retry failed entry: %w", err)
	}

	return reset == 1, nil
}

// FailedCount reports how many entries are currently dead-lettered.
func (worker *Worker) FailedCount(ctx context.Context) (int, error) {
	if worker == nil {
		return 0, ErrDispatcherRequired
	}

	counts, err := worker.store.CountByStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("count failed entries: %w", err)
	}

	return counts[StatusFailed], nil
}

func (worker *Worker) registerRun(cancel context.CancelFunc) bool {
	worker.runStateMu.Lock()
	defer worker.runStateMu.Unlock()

	if worker.running {
		return false
	}

	if worker.stop == nil || isClosedSignal(worker.stop) {
		worker.stop = make(chan struct{})
		worker.stopOnce = sync.Once{}
	}

	worker.running = true
	worker.cancelFunc = cancel

	return true
}

func (worker *Worker) clearRun() {
	worker.runStateMu.Lock()
	defer worker.runStateMu.Unlock()

	worker.running = false
	worker.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func (worker *Worker) recordBatchDepth(ctx context.Context, depth int64) {
	if worker.metrics.batchDepth == nil {
		return
	}

	worker.metrics.batchDepth.Record(ctx, depth)
}

func (worker *Worker) addClaimed(ctx context.Context, count int64) {
	if worker.metrics.entriesClaimed == nil || count <= 0 {
		return
	}

	worker.metrics.entriesClaimed.Add(ctx, count)
}

func (worker *Worker) addDelivered(ctx context.Context, count int64) {
	if worker.metrics.entriesDelivered == nil || count <= 0 {
		return
	}

	worker.metrics.entriesDelivered.Add(ctx, count)
}

func (worker *Worker) addRetried(ctx context.Context, count int64) {
	if worker.metrics.entriesRetried == nil || count <= 0 {
		return
	}

	worker.metrics.entriesRetried.Add(ctx, count)
}

func (worker *Worker) addDeadLettered(ctx context.Context, count int64) {
	if worker.metrics.entriesDeadLettered == nil || count <= 0 {
		return
	}

	worker.metrics.entriesDeadLettered.Add(ctx, count)
}

func (worker *Worker) recordDeliveryLatency(ctx context.Context, latencySeconds float64) {
	if worker.metrics.deliveryLatency == nil {
		return
	}

	worker.metrics.deliveryLatency.Record(ctx, latencySeconds)
}
