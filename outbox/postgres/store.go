// Package postgres persists outbox entries in PostgreSQL using the pgx
// stdlib driver. Claim atomicity relies on FOR UPDATE SKIP LOCKED, so two
// workers polling the same table never claim the same entry.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	eventbus "github.com/Croodo/lib-eventbus"
	"github.com/Croodo/lib-eventbus/internal/nilcheck"
	libLog "github.com/Croodo/lib-eventbus/log"
	"github.com/Croodo/lib-eventbus/outbox"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second

	entryColumns = "id, event_type, payload, meta, status, attempts, last_error, next_retry_at, created_at, updated_at"
)

// Option configures the store at construction.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger libLog.Logger) Option {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

// WithTableName overrides the default outbox_entries table. Accepts an
// optional schema prefix such as "events.outbox_entries".
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// WithTransactionTimeout bounds store-owned transactions that run without a
// caller deadline.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// WithReclaimAfter overrides how long a claimed entry stays invisible to
// other claimers before it becomes due again.
func WithReclaimAfter(reclaimAfter time.Duration) Option {
	return func(store *Store) {
		if reclaimAfter > 0 {
			store.reclaimAfter = reclaimAfter
		}
	}
}

// Store persists outbox entries in PostgreSQL.
type Store struct {
	db                 *sql.DB
	logger             libLog.Logger
	tableName          string
	transactionTimeout time.Duration
	reclaimAfter       time.Duration
}

var _ outbox.Store = (*Store)(nil)
var _ outbox.TxInserter = (*Store)(nil)

// Open connects to PostgreSQL through the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// NewStore creates a PostgreSQL outbox store.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		db:                 db,
		logger:             libLog.NewNop(),
		tableName:          "outbox_entries",
		transactionTimeout: defaultTransactionTimeout,
		reclaimAfter:       outbox.DefaultReclaimAfter,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = "outbox_entries"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// EnsureSchema creates the outbox table and claim index when absent.
func (store *Store) EnsureSchema(ctx context.Context) error {
	table := quoteIdentifierPath(store.tableName)
	indexName := strings.ReplaceAll(store.tableName, ".", "_") + "_claim_idx"

	ddl := "CREATE TABLE IF NOT EXISTS " + table + " (" +
		"id UUID PRIMARY KEY, " +
		"event_type TEXT NOT NULL, " +
		"payload JSONB NOT NULL, " +
		"meta JSONB NOT NULL, " +
		"status TEXT NOT NULL CHECK (status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')), " +
		"attempts INTEGER NOT NULL DEFAULT 0, " +
		"last_error TEXT, " +
		"next_retry_at TIMESTAMPTZ, " +
		"created_at TIMESTAMPTZ NOT NULL, " +
		"updated_at TIMESTAMPTZ NOT NULL)"

	if _, err := store.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating outbox table: %w", err)
	}

	indexDDL := "CREATE INDEX IF NOT EXISTS " + quoteIdentifier(indexName) +
		" ON " + table + " (status, created_at) WHERE status IN ('PENDING', 'PROCESSING')"

	if _, err := store.db.ExecContext(ctx, indexDDL); err != nil {
		return fmt.Errorf("creating outbox claim index: %w", err)
	}

	return nil
}

// Insert persists a new entry in its own transaction.
func (store *Store) Insert(ctx context.Context, entry *outbox.Entry) (*outbox.Entry, error) {
	return store.insert(ctx, nil, entry)
}

// InsertTx persists a new entry inside the caller's transaction, pairing the
// outbox write with the business write in one unit of work.
func (store *Store) InsertTx(ctx context.Context, tx outbox.Tx, entry *outbox.Entry) (*outbox.Entry, error) {
	return store.insert(ctx, tx, entry)
}

func (store *Store) insert(ctx context.Context, tx *sql.Tx, entry *outbox.Entry) (*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if entry == nil {
		return nil, outbox.ErrEntryRequired
	}

	if entry.ID == uuid.Nil {
		return nil, outbox.ErrIDRequired
	}

	meta, err := json.Marshal(entry.Meta)
	if err != nil {
		return nil, fmt.Errorf("encoding entry meta: %w", err)
	}

	result, err := withTxOrExisting(store, ctx, tx, func(execTx *sql.Tx) (*outbox.Entry, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "INSERT INTO " + table +
			" (" + entryColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING " + entryColumns

		now := time.Now().UTC()

		createdAt := entry.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		row := execTx.QueryRowContext(ctx, query,
			entry.ID,
			strings.TrimSpace(entry.EventType),
			[]byte(entry.Payload),
			meta,
			outbox.StatusPendingRaw,
			0,
			"",
			nil,
			createdAt,
			createdAt,
		)

		return scanEntry(row)
	})
	if err != nil {
		store.logError(ctx, "failed to insert outbox entry", err)

		return nil, fmt.Errorf("inserting outbox entry: %w", err)
	}

	return result, nil
}

// GetByID retrieves one entry by id.
func (store *Store) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if id == uuid.Nil {
		return nil, outbox.ErrIDRequired
	}

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (*outbox.Entry, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "SELECT " + entryColumns + " FROM " + table + " WHERE id = $1"

		return scanEntry(tx.QueryRowContext(ctx, query, id))
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrEntryNotFound
		}

		store.logError(ctx, "failed to get outbox entry", err)

		return nil, fmt.Errorf("getting outbox entry: %w", err)
	}

	return result, nil
}

// ClaimBatch selects up to limit due entries oldest first and flips them to
// PROCESSING with attempts incremented and the reclaim deadline stamped, all
// in one transaction. Concurrent claimers skip each other's locked rows.
func (store *Store) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) ([]*outbox.Entry, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "SELECT " + entryColumns + " FROM " + table +
			" WHERE status = $1 OR (status = $2 AND next_retry_at IS NOT NULL AND next_retry_at <= $3)" +
			" ORDER BY created_at ASC, id ASC LIMIT $4 FOR UPDATE SKIP LOCKED"

		entries, err := queryEntries(ctx, tx, query,
			[]any{outbox.StatusPendingRaw, outbox.StatusProcessingRaw, now, limit},
			limit, "querying due entries")
		if err != nil {
			return nil, err
		}

		if len(entries) == 0 {
			return entries, nil
		}

		ids := collectEntryIDs(entries)
		reclaimAt := now.Add(store.reclaimAfter)

		update := "UPDATE " + table +
			" SET status = $1, attempts = attempts + 1, next_retry_at = $2, updated_at = $3" +
			" WHERE id = ANY($4)"

		updateResult, execErr := tx.ExecContext(ctx, update, outbox.StatusProcessingRaw, reclaimAt, now, idsToStrings(ids))
		if execErr != nil {
			return nil, fmt.Errorf("claiming entries: %w", execErr)
		}

		if err := ensureRowsAffectedExact(updateResult, int64(len(ids))); err != nil {
			return nil, fmt.Errorf("claiming entries: %w", err)
		}

		applyClaimedState(entries, now, reclaimAt)

		return entries, nil
	})
	if err != nil {
		store.logError(ctx, "failed to claim outbox entries", err)

		return nil, fmt.Errorf("claiming batch: %w", err)
	}

	return result, nil
}

// MarkCompleted finishes a processing entry.
func (store *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return store.updateProcessing(ctx, id, "mark completed",
		"status = $1, next_retry_at = NULL, last_error = '', updated_at = $2",
		outbox.StatusCompletedRaw, time.Now().UTC())
}

// MarkRetry keeps a processing entry claimed and schedules the next attempt.
func (store *Store) MarkRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, errMsg string) error {
	errMsg = outbox.SanitizeErrorMessage(errMsg)

	return store.updateProcessing(ctx, id, "mark retry",
		"next_retry_at = $1, last_error = $2, updated_at = $3",
		nextRetryAt, errMsg, time.Now().UTC())
}

// MarkFailed dead-letters a processing entry.
func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	errMsg = outbox.SanitizeErrorMessage(errMsg)

	return store.updateProcessing(ctx, id, "mark failed",
		"status = $1, next_retry_at = NULL, last_error = $2, updated_at = $3",
		outbox.StatusFailedRaw, errMsg, time.Now().UTC())
}

func (store *Store) updateProcessing(ctx context.Context, id uuid.UUID, operation, setClause string, setArgs ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if id == uuid.Nil {
		return outbox.ErrIDRequired
	}

	_, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		idIndex := len(setArgs) + 1
		statusIndex := len(setArgs) + 2
		query := "UPDATE " + table + " SET " + setClause +
			fmt.Sprintf(" WHERE id = $%d AND status = $%d", idIndex, statusIndex)

		args := append(append([]any{}, setArgs...), id, outbox.StatusProcessingRaw)

		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		if err := ensureRowsAffected(result); err != nil {
			return struct{}{}, err
		}

		return struct{}{}, nil
	})
	if err != nil {
		store.logError(ctx, "failed to "+operation, err)

		return fmt.Errorf("%s: %w", operation, err)
	}

	return nil
}

// ListDead pages dead-lettered entries ordered by (created_at, id) ascending.
func (store *Store) ListDead(ctx context.Context, cursor outbox.Cursor, limit int) ([]*outbox.Entry, outbox.Cursor, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return nil, outbox.Cursor{}, outbox.ErrLimitMustBePositive
	}

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) ([]*outbox.Entry, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "SELECT " + entryColumns + " FROM " + table + " WHERE status = $1"
		args := []any{outbox.StatusFailedRaw}

		if !cursor.IsZero() {
			query += " AND (created_at, id) > ($2, $3)"
			args = append(args, cursor.CreatedAt, cursor.ID)
		}

		query += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args)+1)
		args = append(args, limit+1)

		return queryEntries(ctx, tx, query, args, limit+1, "querying dead entries")
	})
	if err != nil {
		store.logError(ctx, "failed to list dead entries", err)

		return nil, outbox.Cursor{}, fmt.Errorf("listing dead entries: %w", err)
	}

	var next outbox.Cursor

	if len(result) > limit {
		result = result[:limit]
		last := result[len(result)-1]
		next = outbox.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	return result, next, nil
}

// RetryDead requeues dead-lettered entries as pending with a fresh attempt
// budget, skipping ids that are missing or no longer FAILED.
func (store *Store) RetryDead(ctx context.Context, ids []uuid.UUID) (int, error) {
	return store.updateDeadBatch(ctx, ids, "retry dead entries",
		"UPDATE %s SET status = $1, attempts = 0, last_error = '', next_retry_at = NULL, updated_at = $2"+
			" WHERE id = ANY($3) AND status = $4",
		outbox.StatusPendingRaw, time.Now().UTC())
}

// PurgeDead permanently deletes dead-lettered entries, skipping ids that are
// missing or no longer FAILED.
func (store *Store) PurgeDead(ctx context.Context, ids []uuid.UUID) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if len(ids) == 0 {
		return 0, outbox.ErrIDRequired
	}

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (int64, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "DELETE FROM " + table + " WHERE id = ANY($1) AND status = $2"

		execResult, execErr := tx.ExecContext(ctx, query, idsToStrings(ids), outbox.StatusFailedRaw)
		if execErr != nil {
			return 0, fmt.Errorf("executing delete: %w", execErr)
		}

		return rowsAffected(execResult)
	})
	if err != nil {
		store.logError(ctx, "failed to purge dead entries", err)

		return 0, fmt.Errorf("purging dead entries: %w", err)
	}

	return int(result), nil
}

func (store *Store) updateDeadBatch(ctx context.Context, ids []uuid.UUID, operation, queryFormat string, setArgs ...any) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if len(ids) == 0 {
		return 0, outbox.ErrIDRequired
	}

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (int64, error) {
		table := quoteIdentifierPath(store.tableName)
		query := fmt.Sprintf(queryFormat, table)

		args := append(append([]any{}, setArgs...), idsToStrings(ids), outbox.StatusFailedRaw)

		execResult, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return 0, fmt.Errorf("executing update: %w", execErr)
		}

		return rowsAffected(execResult)
	})
	if err != nil {
		store.logError(ctx, "failed to "+operation, err)

		return 0, fmt.Errorf("%s: %w", operation, err)
	}

	return int(result), nil
}

// CountByStatus reports entry counts per lifecycle status.
func (store *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (map[outbox.Status]int, error) {
		table := quoteIdentifierPath(store.tableName)
		rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM "+table+" GROUP BY status")
		if err != nil {
			return nil, fmt.Errorf("querying status counts: %w", err)
		}

		defer func() {
			_ = rows.Close()
		}()

		counts := make(map[outbox.Status]int, 4)

		for rows.Next() {
			var (
				raw   string
				count int
			)

			if err := rows.Scan(&raw, &count); err != nil {
				return nil, fmt.Errorf("scanning status count: %w", err)
			}

			status, err := outbox.ParseStatus(raw)
			if err != nil {
				return nil, err
			}

			counts[status] = count
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating status counts: %w", err)
		}

		return counts, nil
	})
	if err != nil {
		store.logError(ctx, "failed to count entries by status", err)

		return nil, fmt.Errorf("counting entries by status: %w", err)
	}

	return result, nil
}

func withTxOrExisting[T any](
	store *Store,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if tx != nil {
		return fn(tx)
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, store.transactionTimeout)
		defer cancel()
	}

	newTx, err := store.db.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func queryEntries(
	ctx context.Context,
	tx *sql.Tx,
	query string,
	args []any,
	capacity int,
	operation string,
) ([]*outbox.Entry, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	entries := make([]*outbox.Entry, 0, capacity)

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}

	return entries, nil
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*outbox.Entry, error) {
	var (
		entry       outbox.Entry
		rawStatus   string
		rawMeta     []byte
		rawPayload  []byte
		lastError   sql.NullString
		nextRetryAt sql.NullTime
	)

	if err := scanner.Scan(
		&entry.ID,
		&entry.EventType,
		&rawPayload,
		&rawMeta,
		&rawStatus,
		&entry.Attempts,
		&lastError,
		&nextRetryAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox entry: %w", err)
	}

	status, err := outbox.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	entry.Status = status
	entry.Payload = json.RawMessage(rawPayload)

	var meta eventbus.EventMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("decoding entry meta: %w", err)
	}

	entry.Meta = meta

	if lastError.Valid {
		entry.LastError = lastError.String
	}

	if nextRetryAt.Valid {
		retryAt := nextRetryAt.Time
		entry.NextRetryAt = &retryAt
	}

	return &entry, nil
}

func applyClaimedState(entries []*outbox.Entry, now, reclaimAt time.Time) {
	for _, entry := range entries {
		if entry == nil {
			continue
		}

		deadline := reclaimAt

		entry.Status = outbox.StatusProcessing
		entry.Attempts++
		entry.NextRetryAt = &deadline
		entry.UpdatedAt = now
	}
}

func collectEntryIDs(entries []*outbox.Entry) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(entries))

	for _, entry := range entries {
		if entry == nil || entry.ID == uuid.Nil {
			continue
		}

		ids = append(ids, entry.ID)
	}

	return ids
}

// idsToStrings renders uuid slices for ANY($n) parameters; pgx maps string
// slices onto uuid[] without a custom codec.
func idsToStrings(ids []uuid.UUID) []string {
	result := make([]string, 0, len(ids))

	for _, id := range ids {
		result = append(result, id.String())
	}

	return result
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows == 0 {
		return outbox.ErrStateConflict
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int64) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows != expected {
		return outbox.ErrStateConflict
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, outbox.ErrStateConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}

func (store *Store) logError(ctx context.Context, message string, err error) {
	if nilcheck.Interface(store.logger) || err == nil {
		return
	}

	store.logger.Log(ctx, libLog.LevelError, message,
		libLog.String("error", outbox.SanitizeErrorMessage(err.Error())))
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
