// Package mongo stores orders and reservations in MongoDB. Order writes go
// through the outbox Writer so each change commits with its event.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/LerianStudio/outbox-relay/internal/orders"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libMongo "github.com/LerianStudio/outbox-relay/relay/mongo"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
	outboxmongo "github.com/LerianStudio/outbox-relay/relay/outbox/mongo"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
)

// Default collection names.
const (
	DefaultOrdersCollection       = "orders"
	DefaultReservationsCollection = "reservations"
)

var (
	// ErrClientRequired is returned when the mongo client is nil.
	ErrClientRequired = errors.New("mongo client is required")
	// ErrWriterRequired is returned when the outbox writer is nil.
	ErrWriterRequired = errors.New("outbox writer is required")
	// ErrRepositoryNotInitialized is returned by methods on a zero value.
	ErrRepositoryNotInitialized = errors.New("orders repository not initialized")
)

type orderDocument struct {
	ID         primitive.ObjectID `bson:"_id"`
	CustomerID string             `bson:"customerId"`
	Items      []orders.Item      `bson:"items"`
	Status     string             `bson:"status"`
	CreatedAt  time.Time          `bson:"createdAt"`
	UpdatedAt  time.Time          `bson:"updatedAt"`
}

func newOrderDocument(id primitive.ObjectID, order *orders.Order) orderDocument {
	return orderDocument{
		ID:         id,
		CustomerID: order.CustomerID,
		Items:      order.Items,
		Status:     string(order.Status),
		CreatedAt:  order.CreatedAt,
		UpdatedAt:  order.UpdatedAt,
	}
}

func (doc orderDocument) toOrder() *orders.Order {
	return &orders.Order{
		ID:         doc.ID.Hex(),
		CustomerID: doc.CustomerID,
		Items:      doc.Items,
		Status:     orders.Status(doc.Status),
		CreatedAt:  doc.CreatedAt.UTC(),
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}
}

// Option configures the repositories of this package.
type Option func(*settings)

type settings struct {
	collection string
	logger     libLog.Logger
}

// WithCollection overrides the collection name.
func WithCollection(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger libLog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func newSettings(defaultCollection string, opts []Option) settings {
	s := settings{collection: defaultCollection, logger: libLog.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	return s
}

// Repository implements orders.Repository.
type Repository struct {
	client *libMongo.Client
	writer *outboxmongo.Writer
	settings
}

var _ orders.Repository = (*Repository)(nil)

// NewRepository creates a Repository that records events through writer.
func NewRepository(client *libMongo.Client, writer *outboxmongo.Writer, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	if writer == nil {
		return nil, ErrWriterRequired
	}

	return &Repository{client: client, writer: writer, settings: newSettings(DefaultOrdersCollection, opts)}, nil
}

// EnsureIndexes creates the listing index.
func (repo *Repository) EnsureIndexes(ctx context.Context) error {
	if repo == nil || repo.client == nil {
		return ErrRepositoryNotInitialized
	}

	return repo.client.EnsureIndexes(ctx, repo.collection, mongo.IndexModel{
		Keys:    bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}},
		Options: options.Index().SetName("orders_latest"),
	})
}

// Create inserts order and its OrderCreated event. order.ID is set on success.
func (repo *Repository) Create(ctx context.Context, order *orders.Order) (string, error) {
	if repo == nil || repo.writer == nil {
		return "", ErrRepositoryNotInitialized
	}

	order.CreatedAt = toMillis(order.CreatedAt)
	order.UpdatedAt = toMillis(order.UpdatedAt)

	payload := &orders.EventPayload{}

	mutation := func(sessCtx mongo.SessionContext, db *mongo.Database) (string, error) {
		oid := primitive.NewObjectID()

		if _, err := db.Collection(repo.collection).InsertOne(sessCtx, newOrderDocument(oid, order)); err != nil {
			return "", fmt.Errorf("insert order: %w", err)
		}

		order.ID = oid.Hex()
		payload.Fill(order)

		return order.ID, nil
	}

	_, eventID, err := repo.writer.SubmitMutationWithEvent(ctx, mutation, orders.EventOrderCreated, payload)
	if err != nil {
		order.ID = ""

		return "", err
	}

	return eventID, nil
}

// Transition applies the status change inside the writer's transaction. The
// update is conditioned on the status that was read, so a concurrent change
// surfaces as orders.ErrInvalidTransition.
func (repo *Repository) Transition(ctx context.Context, id string, to orders.Status, now time.Time) (*orders.Order, string, error) {
	if repo == nil || repo.writer == nil {
		return nil, "", ErrRepositoryNotInitialized
	}

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
	}

	var updated *orders.Order

	payload := &orders.EventPayload{}

	mutation := func(sessCtx mongo.SessionContext, db *mongo.Database) (string, error) {
		coll := db.Collection(repo.collection)

		var doc orderDocument
		if err := coll.FindOne(sessCtx, bson.M{"_id": oid}).Decode(&doc); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return "", fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
			}

			return "", fmt.Errorf("load order: %w", err)
		}

		order := doc.toOrder()
		from := order.Status

		if err := order.TransitionTo(to, toMillis(now)); err != nil {
			return "", err
		}

		res, err := coll.UpdateOne(sessCtx,
			bson.M{"_id": oid, "status": string(from)},
			bson.M{"$set": bson.M{"status": string(order.Status), "updatedAt": order.UpdatedAt}},
		)
		if err != nil {
			return "", fmt.Errorf("update order: %w", err)
		}

		if res.MatchedCount == 0 {
			return "", fmt.Errorf("%w: status changed concurrently", orders.ErrInvalidTransition)
		}

		payload.Fill(order)
		updated = order

		return order.ID, nil
	}

	_, eventID, err := repo.writer.SubmitMutationWithEvent(ctx, mutation, orders.EventTypeFor(to), payload)
	if err != nil {
		return nil, "", err
	}

	return updated, eventID, nil
}

// Get returns the order with id.
func (repo *Repository) Get(ctx context.Context, id string) (*orders.Order, error) {
	coll, err := repo.coll()
	if err != nil {
		return nil, err
	}

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
	}

	var doc orderDocument
	if err := coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
		}

		libLog.SafeError(repo.logger, ctx, "failed to load order", err, runtime.IsProductionMode())

		return nil, fmt.Errorf("%w: load order: %w", outbox.ErrStoreUnavailable, err)
	}

	return doc.toOrder(), nil
}

// ListLatest returns up to limit orders, newest first.
func (repo *Repository) ListLatest(ctx context.Context, limit int) ([]*orders.Order, error) {
	coll, err := repo.coll()
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		libLog.SafeError(repo.logger, ctx, "failed to list orders", err, runtime.IsProductionMode())

		return nil, fmt.Errorf("%w: list orders: %w", outbox.ErrStoreUnavailable, err)
	}

	defer func() {
		if closeErr := cursor.Close(ctx); closeErr != nil {
			repo.logger.Log(ctx, libLog.LevelWarn, "failed to close orders cursor", libLog.Err(closeErr))
		}
	}()

	var docs []orderDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%w: decode orders: %w", outbox.ErrStoreUnavailable, err)
	}

	list := make([]*orders.Order, 0, len(docs))
	for _, doc := range docs {
		list = append(list, doc.toOrder())
	}

	return list, nil
}

func (repo *Repository) coll() (*mongo.Collection, error) {
	if repo == nil || repo.client == nil {
		return nil, ErrRepositoryNotInitialized
	}

	db, err := repo.client.Database()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", outbox.ErrStoreUnavailable, err)
	}

	return db.Collection(repo.collection), nil
}

func toMillis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
