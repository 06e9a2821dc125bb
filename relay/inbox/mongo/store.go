package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/attribute"

	relay "github.com/LerianStudio/outbox-relay/relay"
	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/inbox"
	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libMongo "github.com/LerianStudio/outbox-relay/relay/mongo"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
)

// DefaultCollection is the inbox collection name.
const DefaultCollection = "inbox"

var (
	// ErrClientRequired is returned when the mongo client is nil.
	ErrClientRequired = errors.New("mongo client is required")
	// ErrStoreNotInitialized is returned by methods on a zero Store.
	ErrStoreNotInitialized = errors.New("inbox store not initialized")
	// ErrStoreUnavailable wraps driver failures.
	ErrStoreUnavailable = errors.New("inbox store unavailable")
)

type recordDocument struct {
	MessageID   string        `bson:"_id"`
	RoutingKey  string        `bson:"routingKey"`
	Payload     bson.RawValue `bson:"payload"`
	ReceivedAt  time.Time     `bson:"receivedAt"`
	Status      string        `bson:"status"`
	Attempts    int           `bson:"attempts"`
	LastError   *string       `bson:"lastError,omitempty"`
	UpdatedAt   time.Time     `bson:"updatedAt"`
	ProcessedAt *time.Time    `bson:"processedAt,omitempty"`
}

func (doc recordDocument) toRecord() (*inbox.Record, error) {
	payload, err := libMongo.ValueToJSON(doc.Payload)
	if err != nil {
		return nil, err
	}

	record := &inbox.Record{
		MessageID:  doc.MessageID,
		RoutingKey: doc.RoutingKey,
		Payload:    json.RawMessage(payload),
		ReceivedAt: doc.ReceivedAt.UTC(),
		Status:     inbox.Status(doc.Status),
		Attempts:   doc.Attempts,
		LastError:  doc.LastError,
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}

	if doc.ProcessedAt != nil {
		processedAt := doc.ProcessedAt.UTC()
		record.ProcessedAt = &processedAt
	}

	return record, nil
}

// Store implements inbox.Store.
type Store struct {
	client     *libMongo.Client
	collection string
	logger     libLog.Logger
}

var _ inbox.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithCollection overrides the inbox collection name.
func WithCollection(name string) Option {
	return func(s *Store) {
		if name = strings.TrimSpace(name); name != "" {
			s.collection = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger libLog.Logger) Option {
	return func(s *Store) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// NewStore creates a MongoDB inbox store.
func NewStore(client *libMongo.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	store := &Store{client: client, collection: DefaultCollection, logger: libLog.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// Indexes returns the index the retry claim relies on. Uniqueness of the
// message id comes from _id.
func Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "updatedAt", Value: 1},
			},
			Options: options.Index().SetName("inbox_retry"),
		},
	}
}

// EnsureIndexes creates the inbox indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if s == nil || s.client == nil {
		return ErrStoreNotInitialized
	}

	return s.client.EnsureIndexes(ctx, s.collection, Indexes()...)
}

// InsertIfAbsent inserts record, or returns inbox.ErrDuplicate.
func (s *Store) InsertIfAbsent(ctx context.Context, record inbox.Record) error {
	coll, err := s.coll()
	if err != nil {
		return err
	}

	if strings.TrimSpace(record.MessageID) == "" {
		return inbox.ErrMessageIDRequired
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "mongo.insert_inbox_record")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB),
		attribute.String(constant.AttrDBMongoDBCollection, s.collection),
		attribute.String(constant.AttrMessagingMessageID, record.MessageID),
	)

	payload, err := libMongo.JSONToValue(record.Payload)
	if err != nil {
		return fmt.Errorf("inbox payload: %w", err)
	}

	doc := recordDocument{
		MessageID:  record.MessageID,
		RoutingKey: record.RoutingKey,
		Payload:    payload,
		ReceivedAt: toMillis(record.ReceivedAt),
		Status:     string(record.Status),
		Attempts:   record.Attempts,
		LastError:  record.LastError,
		UpdatedAt:  toMillis(record.UpdatedAt),
	}

	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if libMongo.IsDuplicateKey(err) {
			libOpentelemetry.HandleSpanBusinessErrorEvent(&span, "inbox.duplicate", inbox.ErrDuplicate)

			return inbox.ErrDuplicate
		}

		libOpentelemetry.HandleSpanError(&span, "Failed to insert inbox record", err)

		return fmt.Errorf("%w: insert inbox record: %w", ErrStoreUnavailable, err)
	}

	return nil
}

// Complete marks the record done and runs apply in one transaction. The
// status update goes first, so a concurrent ClaimRetry on the same record
// waits for the transaction and then no longer matches it. apply receives
// the session context; writes made through it commit with the status.
func (s *Store) Complete(ctx context.Context, messageID string, attempt int, processedAt time.Time, apply func(ctx context.Context) error) error {
	if s == nil || s.client == nil {
		return ErrStoreNotInitialized
	}

	if apply == nil {
		return inbox.ErrHandlerRequired
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "mongo.complete_inbox_record")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB),
		attribute.String(constant.AttrDBMongoDBCollection, s.collection),
		attribute.String(constant.AttrMessagingMessageID, messageID),
	)

	processedAt = toMillis(processedAt)
	filter := bson.M{"_id": messageID, "status": string(inbox.StatusPending), "attempts": attempt}
	update := bson.M{
		"$set":   bson.M{"status": string(inbox.StatusDone), "processedAt": processedAt, "updatedAt": processedAt},
		"$unset": bson.M{"lastError": ""},
	}

	var applyErr error

	err := s.client.WithTransaction(ctx, func(sessCtx mongo.SessionContext, db *mongo.Database) error {
		applyErr = nil

		result, err := db.Collection(s.collection).UpdateOne(sessCtx, filter, update)
		if err != nil {
			return err
		}

		if result.MatchedCount == 0 {
			return inbox.ErrAttemptSuperseded
		}

		applyErr = apply(sessCtx)

		return applyErr
	})

	switch {
	case err == nil:
		return nil
	case applyErr != nil && errors.Is(err, applyErr):
		return err
	case errors.Is(err, inbox.ErrAttemptSuperseded):
		if _, getErr := s.Get(ctx, messageID); errors.Is(getErr, inbox.ErrRecordNotFound) {
			return inbox.ErrRecordNotFound
		}

		return err
	}

	libOpentelemetry.HandleSpanError(&span, "Failed to complete inbox record", err)

	return fmt.Errorf("%w: complete inbox record: %w", ErrStoreUnavailable, err)
}

// MarkFailed records errMsg on a pending record still on attempt. A record
// that finished or was claimed again is left alone.
func (s *Store) MarkFailed(ctx context.Context, messageID string, attempt int, errMsg string, at time.Time) error {
	filter := bson.M{"_id": messageID, "status": string(inbox.StatusPending), "attempts": attempt}

	err := s.update(ctx, "mongo.mark_inbox_failed", filter, bson.M{
		"$set": bson.M{"status": string(inbox.StatusFailed), "lastError": errMsg, "updatedAt": toMillis(at)},
	})

	if errors.Is(err, inbox.ErrRecordNotFound) {
		if _, getErr := s.Get(ctx, messageID); getErr == nil {
			return nil
		}
	}

	return err
}

// ClaimRetry picks the oldest failed or stale pending record below maxAttempts.
func (s *Store) ClaimRetry(ctx context.Context, now time.Time, staleAfter time.Duration, maxAttempts int) (*inbox.Record, error) {
	coll, err := s.coll()
	if err != nil {
		return nil, err
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "mongo.claim_inbox_retry")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB),
		attribute.String(constant.AttrDBMongoDBCollection, s.collection),
	)

	now = toMillis(now)

	filter := bson.M{
		"attempts": bson.M{"$lt": maxAttempts},
		"$or": bson.A{
			bson.M{"status": string(inbox.StatusFailed)},
			bson.M{"status": string(inbox.StatusPending), "updatedAt": bson.M{"$lt": now.Add(-staleAfter)}},
		},
	}

	update := bson.M{
		"$set": bson.M{"status": string(inbox.StatusPending), "updatedAt": now},
		"$inc": bson.M{"attempts": 1},
	}

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "receivedAt", Value: 1}}).
		SetReturnDocument(options.After)

	var doc recordDocument

	err = coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, inbox.ErrNoRetryableMessages
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to claim inbox record", err)

		return nil, fmt.Errorf("%w: claim inbox record: %w", ErrStoreUnavailable, err)
	}

	return doc.toRecord()
}

// Get returns the record for messageID.
func (s *Store) Get(ctx context.Context, messageID string) (*inbox.Record, error) {
	coll, err := s.coll()
	if err != nil {
		return nil, err
	}

	var doc recordDocument

	err = coll.FindOne(ctx, bson.M{"_id": messageID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, inbox.ErrRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: get inbox record: %w", ErrStoreUnavailable, err)
	}

	return doc.toRecord()
}

func (s *Store) update(ctx context.Context, spanName string, filter, update bson.M) error {
	coll, err := s.coll()
	if err != nil {
		return err
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	result, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to update inbox record", err)

		return fmt.Errorf("%w: update inbox record: %w", ErrStoreUnavailable, err)
	}

	if result.MatchedCount == 0 {
		return inbox.ErrRecordNotFound
	}

	return nil
}

func (s *Store) coll() (*mongo.Collection, error) {
	if s == nil || s.client == nil {
		return nil, ErrStoreNotInitialized
	}

	db, err := s.client.Database()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return db.Collection(s.collection), nil
}

func toMillis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
