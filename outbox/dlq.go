package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Croodo/lib-eventbus/internal/nilcheck"
	libLog "github.com/Croodo/lib-eventbus/log"
)

const defaultDeadPageSize = 100

// DeadPage is one page of dead-lettered entries. NextCursor is empty when no
// further page exists.
type DeadPage struct {
	Items      []*Entry
	NextCursor string
}

// DLQManager is the administrative surface over dead-lettered entries:
// inspection, requeue, and purge.
type DLQManager struct {
	store  Store
	logger libLog.Logger
	tracer trace.Tracer
}

// NewDLQManager creates the dead-letter administration surface.
func NewDLQManager(store Store, logger libLog.Logger, tracer trace.Tracer) (*DLQManager, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventbus.noop")
	}

	return &DLQManager{
		store:  store,
		logger: logger,
		tracer: tracer,
	}, nil
}

// ListDead pages dead-lettered entries oldest first. Pass an empty cursor
// for the first page and the returned NextCursor for subsequent pages.
func (manager *DLQManager) ListDead(ctx context.Context, cursorToken string, limit int) (*DeadPage, error) {
	if manager == nil {
		return nil, ErrStoreRequired
	}

	if limit <= 0 {
		limit = defaultDeadPageSize
	}

	cursor, err := DecodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}

	ctx, span := manager.tracer.Start(ctx, "outbox.dlq.list")
	defer span.End()

	entries, next, err := manager.store.ListDead(ctx, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead entries: %w", err)
	}

	span.SetAttributes(attribute.Int("outbox.dlq.page_size", len(entries)))

	return &DeadPage{
		Items:      entries,
		NextCursor: next.Encode(),
	}, nil
}

// RetryDead requeues one dead-lettered entry with a fresh attempt budget.
// Returns ErrNotDead when the entry is missing or not currently FAILED.
func (manager *DLQManager) RetryDead(ctx context.Context, id uuid.UUID) error {
	reset, err := manager.RetryDeadBatch(ctx, []uuid.UUID{id})
	if err != nil {
		return err
	}

	if reset == 0 {
		return fmt.Errorf("%w: %s", ErrNotDead, id)
	}

	return nil
}

// RetryDeadBatch requeues up to MaxBatchRequestSize dead-lettered entries,
// returning how many were actually reset. Ids that are missing or no longer
// FAILED are skipped, so a verdict below len(ids) is not an error.
func (manager *DLQManager) RetryDeadBatch(ctx context.Context, ids []uuid.UUID) (int, error) {
	if manager == nil {
		return 0, ErrStoreRequired
	}

	ids, err := normalizeBatchIDs(ids)
	if err != nil {
		return 0, err
	}

	ctx, span := manager.tracer.Start(ctx, "outbox.dlq.retry")
	defer span.End()

	reset, err := manager.store.RetryDead(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("retry dead entries: %w", err)
	}

	span.SetAttributes(
		attribute.Int("outbox.dlq.requested", len(ids)),
		attribute.Int("outbox.dlq.reset", reset),
	)

	manager.logger.Log(ctx, libLog.LevelInfo, "dead-lettered entries requeued",
		libLog.Int("requested", len(ids)),
		libLog.Int("reset", reset),
	)

	return reset, nil
}

// PurgeDead permanently deletes one dead-lettered entry. Returns ErrNotDead
// when the entry is missing or not currently FAILED.
func (manager *DLQManager) PurgeDead(ctx context.Context, id uuid.UUID) error {
	purged, err := manager.PurgeDeadBatch(ctx, []uuid.UUID{id})
	if err != nil {
		return err
	}

	if purged == 0 {
		return fmt.Errorf("%w: %s", ErrNotDead, id)
	}

	return nil
}

// PurgeDeadBatch permanently deletes up to MaxBatchRequestSize dead-lettered
// entries, returning how many were removed. Purge is irreversible.
func (manager *DLQManager) PurgeDeadBatch(ctx context.Context, ids []uuid.UUID) (int, error) {
	if manager == nil {
		return 0, ErrStoreRequired
	}

	ids, err := normalizeBatchIDs(ids)
	if err != nil {
		return 0, err
	}

	ctx, span := manager.tracer.Start(ctx, "outbox.dlq.purge")
	defer span.End()

	purged, err := manager.store.PurgeDead(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("purge dead entries: %w", err)
	}

	span.SetAttributes(
		attribute.Int("outbox.dlq.requested", len(ids)),
		attribute.Int("outbox.dlq.purged", purged),
	)

	manager.logger.Log(ctx, libLog.LevelInfo, "dead-lettered entries purged",
		libLog.Int("requested", len(ids)),
		libLog.Int("purged", purged),
	)

	return purged, nil
}

// Stats reports entry counts per lifecycle status.
func (manager *DLQManager) Stats(ctx context.Context) (map[Status]int, error) {
	if manager == nil {
		return nil, ErrStoreRequired
	}

	counts, err := manager.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count entries by status: %w", err)
	}

	return counts, nil
}

func normalizeBatchIDs(ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, ErrIDRequired
	}

	if len(ids) > MaxBatchRequestSize {
		return nil, fmt.Errorf("%w: %d ids, max %d", ErrBatchTooLarge, len(ids), MaxBatchRequestSize)
	}

	seen := make(map[uuid.UUID]struct{}, len(ids))
	result := make([]uuid.UUID, 0, len(ids))

	for _, id := range ids {
		if id == uuid.Nil {
			return nil, ErrIDRequired
		}

		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		result = append(result, id)
	}

	return result, nil
}
