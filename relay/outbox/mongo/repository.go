package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/LerianStudio/outbox-relay/relay"
	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libMongo "github.com/LerianStudio/outbox-relay/relay/mongo"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
	"github.com/LerianStudio/outbox-relay/relay/security"
)

var (
	// ErrClientRequired is returned when the mongo client is nil.
	ErrClientRequired = errors.New("mongo client is required")
	// ErrRepositoryNotInitialized is returned by methods on a zero Repository.
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
)

// Repository implements outbox.Repository and outbox.StatsReader.
type Repository struct {
	client *libMongo.Client
	settings
}

var (
	_ outbox.Repository  = (*Repository)(nil)
	_ outbox.StatsReader = (*Repository)(nil)
)

// NewRepository creates a MongoDB outbox repository.
func NewRepository(client *libMongo.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &Repository{client: client, settings: newSettings(opts)}, nil
}

// Indexes returns the index models the claim and lookup queries rely on.
func Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "publishedAt", Value: 1},
				{Key: "createdAt", Value: 1},
				{Key: "lockedAt", Value: 1},
			},
			Options: options.Index().SetName("outbox_claim"),
		},
		{
			Keys:    bson.D{{Key: "aggregateId", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().SetName("outbox_aggregate"),
		},
	}
}

// EnsureIndexes creates the outbox indexes.
func (repo *Repository) EnsureIndexes(ctx context.Context) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	return repo.client.EnsureIndexes(ctx, repo.collection, Indexes()...)
}

// Claim picks the oldest unpublished event whose lease is free or expired.
func (repo *Repository) Claim(ctx context.Context, now time.Time, lease time.Duration) (*outbox.Event, error) {
	coll, err := repo.coll()
	if err != nil {
		return nil, err
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "mongo.claim_outbox_event")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB),
		attribute.String(constant.AttrDBMongoDBCollection, repo.collection),
	)

	now = toMillis(now)

	filter := bson.M{
		"publishedAt": nil,
		"$or": bson.A{
			bson.M{"lockedAt": nil},
			bson.M{"lockedAt": bson.M{"$lt": now.Add(-lease)}},
		},
	}

	update := bson.M{
		"$set": bson.M{"lockedAt": now},
		"$inc": bson.M{"attempts": 1},
	}

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetReturnDocument(options.After)

	var doc eventDocument

	err = coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, outbox.ErrNoPendingEvents
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to claim outbox event", err)

		return nil, fmt.Errorf("%w: claim outbox event: %w", outbox.ErrStoreUnavailable, err)
	}

	event, err := doc.toEvent()
	if err != nil {
		return nil, repo.holdUndecodable(ctx, span, doc, err)
	}

	return event, nil
}

// holdUndecodable records why a claimed event cannot be published. The lease
// is kept, so later events are claimed ahead of it until it expires.
func (repo *Repository) holdUndecodable(ctx context.Context, span trace.Span, doc eventDocument, cause error) error {
	err := fmt.Errorf("%w: decode outbox event %s: %w", outbox.ErrInvalidEvent, doc.ID.Hex(), cause)

	libOpentelemetry.HandleSpanError(&span, "Failed to decode claimed outbox event", err)

	claimed := &outbox.Event{ID: doc.ID.Hex(), Type: doc.Type, LockedAt: utcPtr(doc.LockedAt)}
	update := bson.M{"$set": bson.M{"lastError": security.SanitizeError(err)}}

	if markErr := repo.markClaimed(ctx, "mongo.mark_outbox_undecodable", claimed, update); markErr != nil {
		libLog.SafeError(repo.logger, ctx, "failed to record outbox decode error", markErr, runtime.IsProductionMode())
	}

	return err
}

// MarkPublished records publishedAt and releases the claim.
func (repo *Repository) MarkPublished(ctx context.Context, claimed *outbox.Event, publishedAt time.Time) error {
	update := bson.M{
		"$set":   bson.M{"publishedAt": toMillis(publishedAt)},
		"$unset": bson.M{"lockedAt": "", "lastError": ""},
	}

	return repo.markClaimed(ctx, "mongo.mark_outbox_published", claimed, update)
}

// MarkFailed records errMsg and releases the claim so the event is retried.
func (repo *Repository) MarkFailed(ctx context.Context, claimed *outbox.Event, errMsg string) error {
	update := bson.M{
		"$set":   bson.M{"lastError": errMsg},
		"$unset": bson.M{"lockedAt": ""},
	}

	return repo.markClaimed(ctx, "mongo.mark_outbox_failed", claimed, update)
}

func (repo *Repository) markClaimed(ctx context.Context, spanName string, claimed *outbox.Event, update bson.M) error {
	coll, err := repo.coll()
	if err != nil {
		return err
	}

	if claimed == nil {
		return outbox.ErrEventRequired
	}

	if claimed.LockedAt == nil {
		return outbox.ErrLeaseLost
	}

	oid, err := parseEventID(claimed.ID)
	if err != nil {
		return err
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrMessagingMessageID, claimed.ID))

	result, err := coll.UpdateOne(ctx, bson.M{"_id": oid, "lockedAt": toMillis(*claimed.LockedAt)}, update)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to update outbox event", err)

		return fmt.Errorf("%w: update outbox event %s: %w", outbox.ErrStoreUnavailable, claimed.ID, err)
	}

	if result.MatchedCount == 0 {
		return outbox.ErrLeaseLost
	}

	return nil
}

// PendingCount counts unpublished events.
func (repo *Repository) PendingCount(ctx context.Context) (int64, error) {
	return repo.count(ctx, bson.M{"publishedAt": nil})
}

// Stats counts events per status.
func (repo *Repository) Stats(ctx context.Context) (outbox.Stats, error) {
	var (
		stats outbox.Stats
		err   error
	)

	if stats.Published, err = repo.count(ctx, bson.M{"publishedAt": bson.M{"$ne": nil}}); err != nil {
		return outbox.Stats{}, err
	}

	if stats.Processing, err = repo.count(ctx, bson.M{"publishedAt": nil, "lockedAt": bson.M{"$ne": nil}}); err != nil {
		return outbox.Stats{}, err
	}

	if stats.Pending, err = repo.count(ctx, bson.M{"publishedAt": nil, "lockedAt": nil}); err != nil {
		return outbox.Stats{}, err
	}

	return stats, nil
}

// ListByAggregate returns the events recorded for aggregateID, oldest first.
func (repo *Repository) ListByAggregate(ctx context.Context, aggregateID string) ([]*outbox.Event, error) {
	coll, err := repo.coll()
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, bson.M{"aggregateId": aggregateID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%w: list outbox events: %w", outbox.ErrStoreUnavailable, err)
	}

	defer func() {
		if closeErr := cursor.Close(ctx); closeErr != nil {
			repo.logger.Log(ctx, libLog.LevelWarn, "failed to close outbox cursor", libLog.Err(closeErr))
		}
	}()

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%w: decode outbox events: %w", outbox.ErrStoreUnavailable, err)
	}

	events := make([]*outbox.Event, 0, len(docs))

	for _, doc := range docs {
		event, err := doc.toEvent()
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	return events, nil
}

func (repo *Repository) count(ctx context.Context, filter bson.M) (int64, error) {
	coll, err := repo.coll()
	if err != nil {
		return 0, err
	}

	count, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		libLog.SafeError(repo.logger, ctx, "failed to count outbox events", err, runtime.IsProductionMode())

		return 0, fmt.Errorf("%w: count outbox events: %w", outbox.ErrStoreUnavailable, err)
	}

	return count, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.client != nil
}

func (repo *Repository) coll() (*mongo.Collection, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	db, err := repo.client.Database()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", outbox.ErrStoreUnavailable, err)
	}

	return db.Collection(repo.collection), nil
}
