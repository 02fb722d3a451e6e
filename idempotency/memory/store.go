// Package memory provides an in-process idempotency record store with lazy
// TTL expiry, for tests and single-node deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Croodo/lib-eventbus/idempotency"
)

type storedRecord struct {
	record    idempotency.Record
	expiresAt time.Time
}

// Store keeps idempotency records in process memory. Expired records are
// swept lazily on access, so memory is bounded by the live key set.
type Store struct {
	mu      sync.Mutex
	records map[string]storedRecord
	now     func() time.Time
}

var _ idempotency.Store = (*Store)(nil)

// NewStore creates an empty in-memory record store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]storedRecord),
		now:     time.Now,
	}
}

// Create inserts a record unless a live one exists for the same scope and key.
func (store *Store) Create(_ context.Context, record *idempotency.Record, ttl time.Duration) error {
	if record == nil {
		return idempotency.ErrKeyRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.now().UTC()
	mapKey := recordKey(record.ScopeID, record.Key)

	if existing, ok := store.records[mapKey]; ok && existing.expiresAt.After(now) {
		return idempotency.ErrRecordExists
	}

	store.records[mapKey] = storedRecord{
		record:    cloneRecord(record),
		expiresAt: now.Add(ttl),
	}

	return nil
}

// Get returns the live record for the scope and key.
func (store *Store) Get(_ context.Context, scopeID, key string) (*idempotency.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.now().UTC()
	mapKey := recordKey(scopeID, key)

	existing, ok := store.records[mapKey]
	if !ok {
		return nil, idempotency.ErrRecordNotFound
	}

	if !existing.expiresAt.After(now) {
		delete(store.records, mapKey)

		return nil, idempotency.ErrRecordNotFound
	}

	record := cloneRecord(&existing.record)

	return &record, nil
}

// Put overwrites the record for the scope and key.
func (store *Store) Put(_ context.Context, record *idempotency.Record, ttl time.Duration) error {
	if record == nil {
		return idempotency.ErrKeyRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	store.records[recordKey(record.ScopeID, record.Key)] = storedRecord{
		record:    cloneRecord(record),
		expiresAt: store.now().UTC().Add(ttl),
	}

	return nil
}

func recordKey(scopeID, key string) string {
	return scopeID + "\x00" + key
}

func cloneRecord(record *idempotency.Record) idempotency.Record {
	clone := *record
	clone.Result = append([]byte(nil), record.Result...)

	return clone
}
