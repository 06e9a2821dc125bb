//go:build unit

package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/LerianStudio/outbox-relay/internal/orders"
	libMongo "github.com/LerianStudio/outbox-relay/relay/mongo"
	outboxmongo "github.com/LerianStudio/outbox-relay/relay/outbox/mongo"
)

func TestNewRepository_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil, &outboxmongo.Writer{})
	require.ErrorIs(t, err, ErrClientRequired)

	_, err = NewRepository(&libMongo.Client{}, nil)
	require.ErrorIs(t, err, ErrWriterRequired)

	_, err = NewReservationStore(nil)
	require.ErrorIs(t, err, ErrClientRequired)
}

func TestNewRepository_Options(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository(&libMongo.Client{}, &outboxmongo.Writer{}, WithCollection(""), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOrdersCollection, repo.collection)
	assert.NotNil(t, repo.logger)

	store, err := NewReservationStore(&libMongo.Client{}, WithCollection("stock"))
	require.NoError(t, err)
	assert.Equal(t, "stock", store.collection)
}

func TestRepository_ZeroValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var repo *Repository

	_, err := repo.Create(ctx, &orders.Order{})
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	_, _, err = repo.Transition(ctx, "x", orders.StatusConfirmed, time.Now())
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	_, err = repo.Get(ctx, "x")
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	_, err = repo.ListLatest(ctx, 10)
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	require.ErrorIs(t, repo.EnsureIndexes(ctx), ErrRepositoryNotInitialized)

	var store *ReservationStore

	require.ErrorIs(t, store.Adjust(ctx, map[string]int{"a": 1}, time.Now()), ErrRepositoryNotInitialized)

	_, err = store.Get(ctx, "a")
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)
}

func TestTransition_MalformedIDIsNotFound(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository(&libMongo.Client{}, &outboxmongo.Writer{})
	require.NoError(t, err)

	_, _, err = repo.Transition(context.Background(), "not-an-object-id", orders.StatusConfirmed, time.Now())
	require.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestOrderDocument_RoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	oid := primitive.NewObjectID()

	order := &orders.Order{
		CustomerID: "c-1",
		Items:      []orders.Item{{SKU: "A", Qty: 2}},
		Status:     orders.StatusCreated,
		CreatedAt:  toMillis(now),
		UpdatedAt:  toMillis(now),
	}

	got := newOrderDocument(oid, order).toOrder()

	assert.Equal(t, oid.Hex(), got.ID)
	assert.Equal(t, "c-1", got.CustomerID)
	assert.Equal(t, order.Items, got.Items)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC), got.CreatedAt)
}
