// Package memory provides an in-process outbox store for tests and
// single-node deployments that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Croodo/lib-eventbus/outbox"
)

// Store keeps outbox entries in process memory guarded by a mutex. Claim
// atomicity comes from the single lock, so the same concurrency contract as
// the durable stores holds: one claimer per entry.
type Store struct {
	mu           sync.Mutex
	entries      map[uuid.UUID]*outbox.Entry
	reclaimAfter time.Duration
}

var _ outbox.Store = (*Store)(nil)

// Option configures the store at construction.
type Option func(*Store)

// WithReclaimAfter overrides how long a claimed entry stays invisible to
// other claimers before it becomes due again.
func WithReclaimAfter(reclaimAfter time.Duration) Option {
	return func(store *Store) {
		if reclaimAfter > 0 {
			store.reclaimAfter = reclaimAfter
		}
	}
}

// NewStore creates an empty in-memory outbox store.
func NewStore(opts ...Option) *Store {
	store := &Store{
		entries:      make(map[uuid.UUID]*outbox.Entry),
		reclaimAfter: outbox.DefaultReclaimAfter,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store
}

// Insert persists a new entry. The stored copy is detached from the caller's.
func (store *Store) Insert(_ context.Context, entry *outbox.Entry) (*outbox.Entry, error) {
	if entry == nil {
		return nil, outbox.ErrEntryRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, exists := store.entries[entry.ID]; exists {
		return nil, outbox.ErrStateConflict
	}

	stored := entry.Clone()
	store.entries[stored.ID] = stored

	return stored.Clone(), nil
}

// GetByID returns one entry by id.
func (store *Store) GetByID(_ context.Context, id uuid.UUID) (*outbox.Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, err := store.lookup(id)
	if err != nil {
		return nil, err
	}

	return entry.Clone(), nil
}

// ClaimBatch flips up to limit due entries to PROCESSING, oldest first,
// incrementing each attempt counter and stamping the reclaim deadline in the
// same critical section.
func (store *Store) ClaimBatch(_ context.Context, now time.Time, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	due := make([]*outbox.Entry, 0, limit)

	for _, entry := range store.entries {
		if entry.Due(now) {
			due = append(due, entry)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}

		return due[i].ID.String() < due[j].ID.String()
	})

	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*outbox.Entry, 0, len(due))
	reclaimAt := now.Add(store.reclaimAfter)

	for _, entry := range due {
		deadline := reclaimAt

		entry.Status = outbox.StatusProcessing
		entry.Attempts++
		entry.NextRetryAt = &deadline
		entry.UpdatedAt = now

		claimed = append(claimed, entry.Clone())
	}

	return claimed, nil
}

// MarkCompleted finishes a processing entry.
func (store *Store) MarkCompleted(_ context.Context, id uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, err := store.lookup(id)
	if err != nil {
		return err
	}

	if entry.Status != outbox.StatusProcessing {
		return outbox.ErrStateConflict
	}

	entry.Status = outbox.StatusCompleted
	entry.NextRetryAt = nil
	entry.LastError = ""
	entry.UpdatedAt = time.Now().UTC()

	return nil
}

// MarkRetry keeps a processing entry claimed and schedules its next attempt.
func (store *Store) MarkRetry(_ context.Context, id uuid.UUID, nextRetryAt time.Time, errMsg string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, err := store.lookup(id)
	if err != nil {
		return err
	}

	if entry.Status != outbox.StatusProcessing {
		return outbox.ErrStateConflict
	}

	retryAt := nextRetryAt
	entry.NextRetryAt = &retryAt
	entry.LastError = errMsg
	entry.UpdatedAt = time.Now().UTC()

	return nil
}

// MarkFailed dead-letters a processing entry.
func (store *Store) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, err := store.lookup(id)
	if err != nil {
		return err
	}

	if entry.Status != outbox.StatusProcessing {
		return outbox.ErrStateConflict
	}

	entry.Status = outbox.StatusFailed
	entry.NextRetryAt = nil
	entry.LastError = errMsg
	entry.UpdatedAt = time.Now().UTC()

	return nil
}

// ListDead pages dead-lettered entries ordered by (CreatedAt, ID) ascending.
func (store *Store) ListDead(_ context.Context, cursor outbox.Cursor, limit int) ([]*outbox.Entry, outbox.Cursor, error) {
	if limit <= 0 {
		return nil, outbox.Cursor{}, outbox.ErrLimitMustBePositive
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	dead := make([]*outbox.Entry, 0)

	for _, entry := range store.entries {
		if entry.Status != outbox.StatusFailed {
			continue
		}

		if !cursor.IsZero() && !cursor.After(entry) {
			continue
		}

		dead = append(dead, entry)
	}

	sort.Slice(dead, func(i, j int) bool {
		if !dead[i].CreatedAt.Equal(dead[j].CreatedAt) {
			return dead[i].CreatedAt.Before(dead[j].CreatedAt)
		}

		return dead[i].ID.String() < dead[j].ID.String()
	})

	var next outbox.Cursor

	if len(dead) > limit {
		dead = dead[:limit]
		last := dead[len(dead)-1]
		next = outbox.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	page := make([]*outbox.Entry, 0, len(dead))
	for _, entry := range dead {
		page = append(page, entry.Clone())
	}

	return page, next, nil
}

// RetryDead requeues dead-lettered entries as pending with a fresh attempt
// budget, skipping ids that are missing or not FAILED.
func (store *Store) RetryDead(_ context.Context, ids []uuid.UUID) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	reset := 0
	now := time.Now().UTC()

	for _, id := range ids {
		entry, ok := store.entries[id]
		if !ok || entry.Status != outbox.StatusFailed {
			continue
		}

		entry.Status = outbox.StatusPending
		entry.Attempts = 0
		entry.LastError = ""
		entry.NextRetryAt = nil
		entry.UpdatedAt = now

		reset++
	}

	return reset, nil
}

// PurgeDead deletes dead-lettered entries, skipping ids that are missing or
// not FAILED.
func (store *Store) PurgeDead(_ context.Context, ids []uuid.UUID) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	purged := 0

	for _, id := range ids {
		entry, ok := store.entries[id]
		if !ok || entry.Status != outbox.StatusFailed {
			continue
		}

		delete(store.entries, id)

		purged++
	}

	return purged, nil
}

// CountByStatus reports entry counts per lifecycle status.
func (store *Store) CountByStatus(_ context.Context) (map[outbox.Status]int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	counts := make(map[outbox.Status]int, 4)

	for _, entry := range store.entries {
		counts[entry.Status]++
	}

	return counts, nil
}

func (store *Store) lookup(id uuid.UUID) (*outbox.Entry, error) {
	if id == uuid.Nil {
		return nil, outbox.ErrIDRequired
	}

	entry, ok := store.entries[id]
	if !ok {
		return nil, outbox.ErrEntryNotFound
	}

	return entry, nil
}
