package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/LerianStudio/outbox-relay/internal/orders"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libMongo "github.com/LerianStudio/outbox-relay/relay/mongo"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
)

type reservationDocument struct {
	SKU       string    `bson:"_id"`
	Reserved  int       `bson:"reserved"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// ReservationStore implements orders.ReservationStore with one document
// per SKU.
type ReservationStore struct {
	client *libMongo.Client
	settings
}

var _ orders.ReservationStore = (*ReservationStore)(nil)

// NewReservationStore creates a ReservationStore.
func NewReservationStore(client *libMongo.Client, opts ...Option) (*ReservationStore, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &ReservationStore{client: client, settings: newSettings(DefaultReservationsCollection, opts)}, nil
}

// Adjust $inc's every SKU in one transaction, creating missing documents.
func (s *ReservationStore) Adjust(ctx context.Context, deltas map[string]int, now time.Time) error {
	if s == nil || s.client == nil {
		return ErrRepositoryNotInitialized
	}

	if len(deltas) == 0 {
		return nil
	}

	skus := make([]string, 0, len(deltas))
	for sku := range deltas {
		skus = append(skus, sku)
	}

	sort.Strings(skus)

	models := make([]mongo.WriteModel, 0, len(skus))
	for _, sku := range skus {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": sku}).
			SetUpdate(bson.M{
				"$inc": bson.M{"reserved": deltas[sku]},
				"$set": bson.M{"updatedAt": toMillis(now)},
			}).
			SetUpsert(true))
	}

	err := s.client.WithTransaction(ctx, func(sessCtx mongo.SessionContext, db *mongo.Database) error {
		_, err := db.Collection(s.collection).BulkWrite(sessCtx, models, options.BulkWrite().SetOrdered(true))

		return err
	})
	if err != nil {
		libLog.SafeError(s.logger, ctx, "failed to adjust reservations", err, runtime.IsProductionMode())

		return fmt.Errorf("%w: adjust reservations: %w", outbox.ErrStoreUnavailable, err)
	}

	return nil
}

// Get returns the reservation for sku; an unknown SKU has nothing reserved.
func (s *ReservationStore) Get(ctx context.Context, sku string) (orders.Reservation, error) {
	if s == nil || s.client == nil {
		return orders.Reservation{}, ErrRepositoryNotInitialized
	}

	db, err := s.client.Database()
	if err != nil {
		return orders.Reservation{}, fmt.Errorf("%w: %w", outbox.ErrStoreUnavailable, err)
	}

	var doc reservationDocument
	if err := db.Collection(s.collection).FindOne(ctx, bson.M{"_id": sku}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return orders.Reservation{SKU: sku}, nil
		}

		return orders.Reservation{}, fmt.Errorf("%w: load reservation: %w", outbox.ErrStoreUnavailable, err)
	}

	return orders.Reservation{SKU: doc.SKU, Reserved: doc.Reserved, UpdatedAt: doc.UpdatedAt.UTC()}, nil
}
