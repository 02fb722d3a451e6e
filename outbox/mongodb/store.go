// Package mongodb persists outbox entries in MongoDB. Claim atomicity comes
// from per-document FindOneAndUpdate, so the claim loop issues one atomic
// update per entry instead of a batched row lock.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	eventbus "github.com/Croodo/lib-eventbus"
	"github.com/Croodo/lib-eventbus/internal/nilcheck"
	libLog "github.com/Croodo/lib-eventbus/log"
	"github.com/Croodo/lib-eventbus/outbox"
)

var (
	ErrDatabaseRequired = errors.New("mongo database is required")

	defaultCollection = "outbox_entries"
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

// WithCollectionName overrides the default outbox_entries collection.
func WithCollectionName(name string) Option {
	return func(store *Store) {
		if strings.TrimSpace(name) != "" {
			store.collectionName = strings.TrimSpace(name)
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

// Store persists outbox entries in a MongoDB collection.
type Store struct {
	database       *mongo.Database
	logger         libLog.Logger
	collectionName string
	reclaimAfter   time.Duration
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a MongoDB outbox store.
func NewStore(database *mongo.Database, opts ...Option) (*Store, error) {
	if database == nil {
		return nil, ErrDatabaseRequired
	}

	store := &Store{
		database:       database,
		logger:         libLog.NewNop(),
		collectionName: defaultCollection,
		reclaimAfter:   outbox.DefaultReclaimAfter,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// EnsureIndexes creates the claim and dead-letter paging indexes when absent.
func (store *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "next_retry_at", Value: 1},
			},
		},
	}

	if _, err := store.collection().Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("creating outbox indexes: %w", err)
	}

	return nil
}

func (store *Store) collection() *mongo.Collection {
	return store.database.Collection(store.collectionName)
}

type entryDocument struct {
	ID          string     `bson:"_id"`
	EventType   string     `bson:"event_type"`
	Payload     []byte     `bson:"payload"`
	Meta        []byte     `bson:"meta"`
	Status      string     `bson:"status"`
	Attempts    int        `bson:"attempts"`
	LastError   string     `bson:"last_error,omitempty"`
	NextRetryAt *time.Time `bson:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func toDocument(entry *outbox.Entry) (*entryDocument, error) {
	meta, err := json.Marshal(entry.Meta)
	if err != nil {
		return nil, fmt.Errorf("encoding entry meta: %w", err)
	}

	doc := &entryDocument{
		ID:        entry.ID.String(),
		EventType: entry.EventType,
		Payload:   append([]byte(nil), entry.Payload...),
		Meta:      meta,
		Status:    entry.Status.String(),
		Attempts:  entry.Attempts,
		LastError: entry.LastError,
		CreatedAt: entry.CreatedAt.UTC(),
		UpdatedAt: entry.UpdatedAt.UTC(),
	}

	if entry.NextRetryAt != nil {
		retryAt := entry.NextRetryAt.UTC()
		doc.NextRetryAt = &retryAt
	}

	return doc, nil
}

func fromDocument(doc *entryDocument) (*outbox.Entry, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing entry id: %w", err)
	}

	status, err := outbox.ParseStatus(doc.Status)
	if err != nil {
		return nil, err
	}

	var meta eventbus.EventMeta
	if err := json.Unmarshal(doc.Meta, &meta); err != nil {
		return nil, fmt.Errorf("decoding entry meta: %w", err)
	}

	entry := &outbox.Entry{
		ID:        id,
		EventType: doc.EventType,
		Payload:   json.RawMessage(doc.Payload),
		Meta:      meta,
		Status:    status,
		Attempts:  doc.Attempts,
		LastError: doc.LastError,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}

	if doc.NextRetryAt != nil {
		retryAt := doc.NextRetryAt.UTC()
		entry.NextRetryAt = &retryAt
	}

	return entry, nil
}

// Insert persists a new entry.
func (store *Store) Insert(ctx context.Context, entry *outbox.Entry) (*outbox.Entry, error) {
	if entry == nil {
		return nil, outbox.ErrEntryRequired
	}

	if entry.ID == uuid.Nil {
		return nil, outbox.ErrIDRequired
	}

	doc, err := toDocument(entry)
	if err != nil {
		return nil, err
	}

	if _, err := store.collection().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, outbox.ErrStateConflict
		}

		store.logError(ctx, "failed to insert outbox entry", err)

		return nil, fmt.Errorf("inserting outbox entry: %w", err)
	}

	return fromDocument(doc)
}

// GetByID retrieves one entry by id.
func (store *Store) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Entry, error) {
	if id == uuid.Nil {
		return nil, outbox.ErrIDRequired
	}

	var doc entryDocument

	err := store.collection().FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, outbox.ErrEntryNotFound
		}

		store.logError(ctx, "failed to get outbox entry", err)

		return nil, fmt.Errorf("getting outbox entry: %w", err)
	}

	return fromDocument(&doc)
}

// ClaimBatch claims up to limit due entries oldest first, one atomic
// FindOneAndUpdate per entry. Each update flips the entry to PROCESSING,
// increments attempts, and stamps the reclaim deadline, so a concurrent
// claimer can never take the same entry.
func (store *Store) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	filter := bson.M{
		"$or": bson.A{
			bson.M{"status": outbox.StatusPendingRaw},
			bson.M{
				"status":        outbox.StatusProcessingRaw,
				"next_retry_at": bson.M{"$ne": nil, "$lte": now},
			},
		},
	}

	update := bson.M{
		"$set": bson.M{
			"status":        outbox.StatusProcessingRaw,
			"next_retry_at": now.Add(store.reclaimAfter),
			"updated_at":    now,
		},
		"$inc": bson.M{"attempts": 1},
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{
			{Key: "created_at", Value: 1},
			{Key: "_id", Value: 1},
		})

	claimed := make([]*outbox.Entry, 0, limit)

	for i := 0; i < limit; i++ {
		var doc entryDocument

		err := store.collection().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}

			store.logError(ctx, "failed to claim outbox entry", err)

			return nil, fmt.Errorf("claiming batch: %w", err)
		}

		entry, convErr := fromDocument(&doc)
		if convErr != nil {
			return nil, convErr
		}

		claimed = append(claimed, entry)
	}

	return claimed, nil
}

// MarkCompleted finishes a processing entry.
func (store *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return store.updateProcessing(ctx, id, "mark completed", bson.M{
		"$set": bson.M{
			"status":     outbox.StatusCompletedRaw,
			"last_error": "",
			"updated_at": time.Now().UTC(),
		},
		"$unset": bson.M{"next_retry_at": ""},
	})
}

// MarkRetry keeps a processing entry claimed and schedules the next attempt.
func (store *Store) MarkRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, errMsg string) error {
	return store.updateProcessing(ctx, id, "mark retry", bson.M{
		"$set": bson.M{
			"next_retry_at": nextRetryAt.UTC(),
			"last_error":    outbox.SanitizeErrorMessage(errMsg),
			"updated_at":    time.Now().UTC(),
		},
	})
}

// MarkFailed dead-letters a processing entry.
func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return store.updateProcessing(ctx, id, "mark failed", bson.M{
		"$set": bson.M{
			"status":     outbox.StatusFailedRaw,
			"last_error": outbox.SanitizeErrorMessage(errMsg),
			"updated_at": time.Now().UTC(),
		},
		"$unset": bson.M{"next_retry_at": ""},
	})
}

func (store *Store) updateProcessing(ctx context.Context, id uuid.UUID, operation string, update bson.M) error {
	if id == uuid.Nil {
		return outbox.ErrIDRequired
	}

	filter := bson.M{
		"_id":    id.String(),
		"status": outbox.StatusProcessingRaw,
	}

	result, err := store.collection().UpdateOne(ctx, filter, update)
	if err != nil {
		store.logError(ctx, "failed to "+operation, err)

		return fmt.Errorf("%s: %w", operation, err)
	}

	if result.MatchedCount == 0 {
		return outbox.ErrStateConflict
	}

	return nil
}

// ListDead pages dead-lettered entries ordered by (created_at, _id) ascending.
func (store *Store) ListDead(ctx context.Context, cursor outbox.Cursor, limit int) ([]*outbox.Entry, outbox.Cursor, error) {
	if limit <= 0 {
		return nil, outbox.Cursor{}, outbox.ErrLimitMustBePositive
	}

	filter := bson.M{"status": outbox.StatusFailedRaw}

	if !cursor.IsZero() {
		filter = bson.M{
			"status": outbox.StatusFailedRaw,
			"$or": bson.A{
				bson.M{"created_at": bson.M{"$gt": cursor.CreatedAt}},
				bson.M{
					"created_at": cursor.CreatedAt,
					"_id":        bson.M{"$gt": cursor.ID.String()},
				},
			},
		}
	}

	findOpts := options.Find().
		SetSort(bson.D{
			{Key: "created_at", Value: 1},
			{Key: "_id", Value: 1},
		}).
		SetLimit(int64(limit + 1))

	mongoCursor, err := store.collection().Find(ctx, filter, findOpts)
	if err != nil {
		store.logError(ctx, "failed to list dead entries", err)

		return nil, outbox.Cursor{}, fmt.Errorf("listing dead entries: %w", err)
	}

	defer func() {
		_ = mongoCursor.Close(ctx)
	}()

	entries := make([]*outbox.Entry, 0, limit+1)

	for mongoCursor.Next(ctx) {
		var doc entryDocument

		if err := mongoCursor.Decode(&doc); err != nil {
			return nil, outbox.Cursor{}, fmt.Errorf("decoding dead entry: %w", err)
		}

		entry, convErr := fromDocument(&doc)
		if convErr != nil {
			return nil, outbox.Cursor{}, convErr
		}

		entries = append(entries, entry)
	}

	if err := mongoCursor.Err(); err != nil {
		return nil, outbox.Cursor{}, fmt.Errorf("iterating dead entries: %w", err)
	}

	var next outbox.Cursor

	if len(entries) > limit {
		entries = entries[:limit]
		last := entries[len(entries)-1]
		next = outbox.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	return entries, next, nil
}

// RetryDead requeues dead-lettered entries as pending with a fresh attempt
// budget, skipping ids that are missing or no longer FAILED.
func (store *Store) RetryDead(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, outbox.ErrIDRequired
	}

	filter := bson.M{
		"_id":    bson.M{"$in": idsToStrings(ids)},
		"status": outbox.StatusFailedRaw,
	}

	update := bson.M{
		"$set": bson.M{
			"status":     outbox.StatusPendingRaw,
			"attempts":   0,
			"last_error": "",
			"updated_at": time.Now().UTC(),
		},
		"$unset": bson.M{"next_retry_at": ""},
	}

	result, err := store.collection().UpdateMany(ctx, filter, update)
	if err != nil {
		store.logError(ctx, "failed to retry dead entries", err)

		return 0, fmt.Errorf("retrying dead entries: %w", err)
	}

	return int(result.ModifiedCount), nil
}

// PurgeDead permanently deletes dead-lettered entries, skipping ids that are
// missing or no longer FAILED.
func (store *Store) PurgeDead(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, outbox.ErrIDRequired
	}

	filter := bson.M{
		"_id":    bson.M{"$in": idsToStrings(ids)},
		"status": outbox.StatusFailedRaw,
	}

	result, err := store.collection().DeleteMany(ctx, filter)
	if err != nil {
		store.logError(ctx, "failed to purge dead entries", err)

		return 0, fmt.Errorf("purging dead entries: %w", err)
	}

	return int(result.DeletedCount), nil
}

// CountByStatus reports entry counts per lifecycle status.
func (store *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   "$status",
			"count": bson.M{"$sum": 1},
		}}},
	}

	cursor, err := store.collection().Aggregate(ctx, pipeline)
	if err != nil {
		store.logError(ctx, "failed to count entries by status", err)

		return nil, fmt.Errorf("counting entries by status: %w", err)
	}

	defer func() {
		_ = cursor.Close(ctx)
	}()

	counts := make(map[outbox.Status]int, 4)

	for cursor.Next(ctx) {
		var group struct {
			Status string `bson:"_id"`
			Count  int    `bson:"count"`
		}

		if err := cursor.Decode(&group); err != nil {
			return nil, fmt.Errorf("decoding status count: %w", err)
		}

		status, err := outbox.ParseStatus(group.Status)
		if err != nil {
			return nil, err
		}

		counts[status] = group.Count
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	return counts, nil
}

func idsToStrings(ids []uuid.UUID) []string {
	result := make([]string, 0, len(ids))

	for _, id := range ids {
		result = append(result, id.String())
	}

	return result
}

func (store *Store) logError(ctx context.Context, message string, err error) {
	if nilcheck.Interface(store.logger) || err == nil {
		return
	}

	store.logger.Log(ctx, libLog.LevelError, message,
		libLog.String("error", outbox.SanitizeErrorMessage(err.Error())))
}
