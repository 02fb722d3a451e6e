// Package redis persists idempotency records in Redis. Conditional claims
// map onto SET NX with a millisecond TTL, so record release is entirely
// Redis-side expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Croodo/lib-eventbus/idempotency"
	"github.com/Croodo/lib-eventbus/internal/nilcheck"
)

var ErrClientRequired = errors.New("redis client is required")

const defaultKeyPrefix = "eventbus:idempotency:"

// Option configures the store at construction.
type Option func(*Store)

// WithKeyPrefix overrides the default key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		if strings.TrimSpace(prefix) != "" {
			store.keyPrefix = prefix
		}
	}
}

// Store persists idempotency records as JSON values under namespaced keys.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ idempotency.Store = (*Store)(nil)

// NewStore creates a Redis-backed record store.
func NewStore(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	store := &Store{
		client:    client,
		keyPrefix: defaultKeyPrefix,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// Create inserts a record unless a live one exists for the same scope and key.
func (store *Store) Create(ctx context.Context, record *idempotency.Record, ttl time.Duration) error {
	if record == nil {
		return idempotency.ErrKeyRequired
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding idempotency record: %w", err)
	}

	created, err := store.client.SetNX(ctx, store.redisKey(record.ScopeID, record.Key), body, ttl).Result()
	if err != nil {
		return fmt.Errorf("creating idempotency record: %w", err)
	}

	if !created {
		return idempotency.ErrRecordExists
	}

	return nil
}

// Get returns the live record for the scope and key.
func (store *Store) Get(ctx context.Context, scopeID, key string) (*idempotency.Record, error) {
	body, err := store.client.Get(ctx, store.redisKey(scopeID, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, idempotency.ErrRecordNotFound
		}

		return nil, fmt.Errorf("getting idempotency record: %w", err)
	}

	var record idempotency.Record
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("decoding idempotency record: %w", err)
	}

	return &record, nil
}

// Put overwrites the record for the scope and key.
func (store *Store) Put(ctx context.Context, record *idempotency.Record, ttl time.Duration) error {
	if record == nil {
		return idempotency.ErrKeyRequired
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding idempotency record: %w", err)
	}

	if err := store.client.Set(ctx, store.redisKey(record.ScopeID, record.Key), body, ttl).Err(); err != nil {
		return fmt.Errorf("storing idempotency record: %w", err)
	}

	return nil
}

func (store *Store) redisKey(scopeID, key string) string {
	return store.keyPrefix + scopeID + ":" + key
}
