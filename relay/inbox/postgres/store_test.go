//go:build unit

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/outbox-relay/relay/inbox"
	libPostgres "github.com/LerianStudio/outbox-relay/relay/postgres"
)

func TestNewStore(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	require.ErrorIs(t, err, ErrClientRequired)

	_, err = NewStore(&libPostgres.Client{}, WithTable("inbox; DROP TABLE orders"))
	require.ErrorIs(t, err, libPostgres.ErrInvalidIdentifier)

	store, err := NewStore(&libPostgres.Client{}, WithTable("  "), WithLogger(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTable, store.table)

	store, err = NewStore(&libPostgres.Client{}, WithTable("consumer.inbox_messages"))
	require.NoError(t, err)
	assert.Equal(t, "consumer.inbox_messages", store.table)
}

func TestStore_ClosedClient(t *testing.T) {
	t.Parallel()

	store, err := NewStore(&libPostgres.Client{})
	require.NoError(t, err)

	ctx := context.Background()

	err = store.InsertIfAbsent(ctx, inbox.NewRecord("m1", "OrderCreated", []byte(`{}`), time.Now()))
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, libPostgres.ErrNotConnected)

	_, err = store.ClaimRetry(ctx, time.Now(), time.Minute, 5)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	var zero *Store

	noop := func(context.Context) error { return nil }

	require.ErrorIs(t, zero.Complete(ctx, "m1", 1, time.Now(), noop), ErrStoreNotInitialized)
	require.ErrorIs(t, store.Complete(ctx, "m1", 1, time.Now(), nil), inbox.ErrHandlerRequired)
}
