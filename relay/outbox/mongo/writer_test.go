//go:build unit

package mongo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	libMongo "github.com/LerianStudio/outbox-relay/relay/mongo"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
)

func noopMutation(mongo.SessionContext, *mongo.Database) (string, error) {
	return "o-1", nil
}

func TestNewWriterAndRepository_RequireClient(t *testing.T) {
	t.Parallel()

	_, err := NewWriter(nil)
	require.ErrorIs(t, err, ErrClientRequired)

	_, err = NewRepository(nil)
	require.ErrorIs(t, err, ErrClientRequired)
}

func TestSubmit_RejectsBeforeOpeningTransaction(t *testing.T) {
	t.Parallel()

	writer, err := NewWriter(&libMongo.Client{}, WithCollection("  "))
	require.NoError(t, err)
	assert.Equal(t, DefaultCollection, writer.collection)

	ctx := context.Background()

	_, err = writer.Submit(ctx, nil, outbox.EventSpec{Type: "OrderCreated"})
	require.ErrorIs(t, err, outbox.ErrMutationRequired)

	_, err = writer.Submit(ctx, noopMutation)
	require.ErrorIs(t, err, outbox.ErrEventRequired)

	_, err = writer.Submit(ctx, noopMutation, outbox.EventSpec{Type: ""})
	require.ErrorIs(t, err, outbox.ErrInvalidEvent)

	_, _, err = writer.SubmitMutationWithEvent(ctx, noopMutation, "OrderCreated", []byte(`nope`))
	require.ErrorIs(t, err, outbox.ErrPayloadNotJSON)
}

func TestRepository_ZeroValue(t *testing.T) {
	t.Parallel()

	var repo *Repository

	_, err := repo.Claim(context.Background(), time.Now(), 0)
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)
	require.ErrorIs(t, repo.EnsureIndexes(context.Background()), ErrRepositoryNotInitialized)
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	notFound := fmt.Errorf("order o-1: %w", outbox.ErrNotFound)
	assert.Same(t, notFound, classifyError(notFound))

	conflict := fmt.Errorf("order o-1: %w", outbox.ErrConflict)
	assert.Same(t, conflict, classifyError(conflict))

	wrapped := classifyError(errors.New("server selection error"))
	require.ErrorIs(t, wrapped, outbox.ErrStoreUnavailable)
	assert.Contains(t, wrapped.Error(), "server selection error")
}
