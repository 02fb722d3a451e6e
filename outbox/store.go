package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle accepted by stores that can enlist the
// outbox write in the caller's transaction. It intentionally aliases *sql.Tx
// so SQL-backed hosts can pass their own transaction without adapter layers.
type Tx = *sql.Tx

// DefaultReclaimAfter is how long a freshly claimed entry stays invisible to
// other claimers before it becomes due again. It bounds the time an entry can
// sit PROCESSING after a worker crash or a failed lifecycle write; without it
// such entries would be stranded forever.
const DefaultReclaimAfter = 5 * time.Minute

// Store defines the persistence contract for outbox entries.
//
// ClaimBatch is the single correctness-critical operation: it must select up
// to limit entries that are due at now (PENDING, or PROCESSING with
// NextRetryAt <= now), ordered by CreatedAt ascending, and atomically flip
// each selected entry to PROCESSING with Attempts incremented in the same
// conditional update. Two concurrent workers must never both claim the same
// entry. The same update stamps a reclaim deadline into NextRetryAt, so an
// entry whose claimer never reports a verdict is redelivered once the
// deadline elapses instead of staying claimed forever.
type Store interface {
	Insert(ctx context.Context, entry *Entry) (*Entry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error

	// MarkRetry keeps the entry PROCESSING and schedules the next claim at
	// nextRetryAt. The schedule is computed from the wall clock at
	// failure-handling time; drift accumulated during a slow dispatch is
	// accepted rather than compensated.
	MarkRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	// ListDead pages FAILED entries with a forward-only (CreatedAt, ID) seek
	// cursor, stable under concurrent retries and purges.
	ListDead(ctx context.Context, cursor Cursor, limit int) ([]*Entry, Cursor, error)

	// RetryDead resets FAILED entries to PENDING with Attempts zeroed and
	// LastError/NextRetryAt cleared, returning how many were reset.
	RetryDead(ctx context.Context, ids []uuid.UUID) (int, error)

	// PurgeDead permanently deletes FAILED entries, returning how many were
	// removed.
	PurgeDead(ctx context.Context, ids []uuid.UUID) (int, error)

	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// TxInserter is implemented by stores that support writing the entry inside
// a caller-owned transaction, pairing the outbox write with the business
// write in one unit of work.
type TxInserter interface {
	InsertTx(ctx context.Context, tx Tx, entry *Entry) (*Entry, error)
}
