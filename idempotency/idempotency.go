// Package idempotency deduplicates event-driven side effects. A consumer
// claims an idempotency key before doing work, then records the terminal
// outcome; replays of the same key within the retention window observe the
// recorded outcome instead of re-executing.
//
// Records release by TTL only. There is no early unlock: a completed record
// keeps suppressing duplicates until the terminal TTL lapses, and a crashed
// consumer's in-progress lease frees itself when the lease TTL lapses.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrKeyRequired      = errors.New("idempotency key is required")
	ErrScopeRequired    = errors.New("scope id is required")
	ErrStoreRequired    = errors.New("idempotency store is required")
	ErrRecordNotFound   = errors.New("idempotency record not found")
	ErrRecordExists     = errors.New("idempotency record already exists")
	ErrInProgress       = errors.New("operation is already in progress for this key")
	ErrAlreadyProcessed = errors.New("operation already reached a terminal outcome for this key")
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is one claimed idempotency key and its outcome.
type Record struct {
	Key       string          `json:"key"`
	ScopeID   string          `json:"scopeId"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Cause     string          `json:"cause,omitempty"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// OutcomeStatus classifies what Check observed for a key.
type OutcomeStatus string

const (
	OutcomeNone       OutcomeStatus = "none"
	OutcomeInProgress OutcomeStatus = "in_progress"
	OutcomeCompleted  OutcomeStatus = "completed"
	OutcomeFailed     OutcomeStatus = "failed"
)

// Outcome is the observable state of a key: whether it is unclaimed, being
// worked, or terminally settled, plus the recorded result or failure cause.
type Outcome struct {
	Status OutcomeStatus
	Result json.RawMessage
	Cause  string
}

// Store is the persistence contract for idempotency records. Create must be
// conditional: it fails with ErrRecordExists when a live record for the same
// (scope, key) pair is present. Put overwrites unconditionally and is used
// only to settle a record the caller already claimed.
type Store interface {
	Create(ctx context.Context, record *Record, ttl time.Duration) error
	Get(ctx context.Context, scopeID, key string) (*Record, error)
	Put(ctx context.Context, record *Record, ttl time.Duration) error
}

const (
	defaultTerminalTTL = 24 * time.Hour
	defaultLeaseTTL    = 30 * time.Second
)

// Config controls record retention.
type Config struct {
	// TerminalTTL is how long completed and failed records suppress replays.
	TerminalTTL time.Duration
	// LeaseTTL is how long an in-progress claim blocks concurrent duplicates
	// before a crashed consumer's lease frees itself.
	LeaseTTL time.Duration
}

// DefaultConfig returns the baseline guard configuration.
func DefaultConfig() Config {
	return Config{
		TerminalTTL: defaultTerminalTTL,
		LeaseTTL:    defaultLeaseTTL,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.TerminalTTL <= 0 {
		cfg.TerminalTTL = defaults.TerminalTTL
	}

	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaults.LeaseTTL
	}
}

// Option mutates guard configuration at construction.
type Option func(*Guard)

// WithTerminalTTL sets the retention for completed and failed records.
func WithTerminalTTL(ttl time.Duration) Option {
	return func(guard *Guard) {
		if ttl > 0 {
			guard.cfg.TerminalTTL = ttl
		}
	}
}

// WithLeaseTTL sets the in-progress claim lifetime.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(guard *Guard) {
		if ttl > 0 {
			guard.cfg.LeaseTTL = ttl
		}
	}
}

// Guard wraps a store with the claim/settle protocol.
type Guard struct {
	store Store
	cfg   Config
}

// NewGuard creates an idempotency guard over the given store.
func NewGuard(store Store, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	guard := &Guard{
		store: store,
		cfg:   DefaultConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}

	guard.cfg.normalize()

	return guard, nil
}

// Check reports the observable state of a key without claiming it.
func (guard *Guard) Check(ctx context.Context, scopeID, key string) (Outcome, error) {
	scopeID, key, err := normalizeKey(scopeID, key)
	if err != nil {
		return Outcome{}, err
	}

	record, err := guard.store.Get(ctx, scopeID, key)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Outcome{Status: OutcomeNone}, nil
		}

		return Outcome{}, fmt.Errorf("checking idempotency record: %w", err)
	}

	return outcomeFromRecord(record), nil
}

// Begin claims a key for the calling consumer. A live in-progress record
// yields ErrInProgress; a live terminal record yields ErrAlreadyProcessed.
// Both unblock only through TTL expiry.
func (guard *Guard) Begin(ctx context.Context, scopeID, key string) error {
	scopeID, key, err := normalizeKey(scopeID, key)
	if err != nil {
		return err
	}

	record := &Record{
		Key:       key,
		ScopeID:   scopeID,
		Status:    StatusInProgress,
		ExpiresAt: time.Now().UTC().Add(guard.cfg.LeaseTTL),
	}

	if err := guard.store.Create(ctx, record, guard.cfg.LeaseTTL); err != nil {
		if !errors.Is(err, ErrRecordExists) {
			return fmt.Errorf("claiming idempotency key: %w", err)
		}

		existing, getErr := guard.store.Get(ctx, scopeID, key)
		if getErr != nil {
			if errors.Is(getErr, ErrRecordNotFound) {
				// Lost the race and the racer's lease already lapsed.
				return ErrInProgress
			}

			return fmt.Errorf("inspecting existing idempotency record: %w", getErr)
		}

		if existing.Status == StatusInProgress {
			return ErrInProgress
		}

		return fmt.Errorf("%w: status %s", ErrAlreadyProcessed, existing.Status)
	}

	return nil
}

// Complete settles a claimed key as succeeded, retaining the result for
// replay observation until the terminal TTL lapses.
func (guard *Guard) Complete(ctx context.Context, scopeID, key string, result json.RawMessage) error {
	scopeID, key, err := normalizeKey(scopeID, key)
	if err != nil {
		return err
	}

	record := &Record{
		Key:       key,
		ScopeID:   scopeID,
		Status:    StatusCompleted,
		Result:    result,
		ExpiresAt: time.Now().UTC().Add(guard.cfg.TerminalTTL),
	}

	if err := guard.store.Put(ctx, record, guard.cfg.TerminalTTL); err != nil {
		return fmt.Errorf("settling idempotency record: %w", err)
	}

	return nil
}

// Fail settles a claimed key as failed, retaining the cause.
func (guard *Guard) Fail(ctx context.Context, scopeID, key string, cause error) error {
	scopeID, key, err := normalizeKey(scopeID, key)
	if err != nil {
		return err
	}

	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}

	record := &Record{
		Key:       key,
		ScopeID:   scopeID,
		Status:    StatusFailed,
		Cause:     causeMsg,
		ExpiresAt: time.Now().UTC().Add(guard.cfg.TerminalTTL),
	}

	if err := guard.store.Put(ctx, record, guard.cfg.TerminalTTL); err != nil {
		return fmt.Errorf("settling idempotency record: %w", err)
	}

	return nil
}

func outcomeFromRecord(record *Record) Outcome {
	switch record.Status {
	case StatusInProgress:
		return Outcome{Status: OutcomeInProgress}
	case StatusCompleted:
		return Outcome{Status: OutcomeCompleted, Result: record.Result}
	case StatusFailed:
		return Outcome{Status: OutcomeFailed, Cause: record.Cause}
	default:
		return Outcome{Status: OutcomeNone}
	}
}

func normalizeKey(scopeID, key string) (string, string, error) {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return "", "", ErrScopeRequired
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", ErrKeyRequired
	}

	return scopeID, key, nil
}
