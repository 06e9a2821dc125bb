//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/outbox-relay/internal/testinfra"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
)

func insertOrder(id string) Mutation {
	return func(ctx context.Context, tx *sql.Tx) (string, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, customer_id, items, status, created_at, updated_at)
			 VALUES ($1, 'c-1', '[]'::jsonb, 'CREATED', now(), now())`, id)

		return id, err
	}
}

func TestIntegration_Postgres_Outbox(t *testing.T) {
	client := testinfra.MigratedPostgres(t)

	writer, err := NewWriter(client)
	require.NoError(t, err)

	repo, err := NewRepository(client)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, repo.EnsureIndexes(ctx))

	t.Run("submit commits order and event", func(t *testing.T) {
		orderID := uuid.NewString()

		entityID, eventID, err := writer.SubmitMutationWithEvent(ctx, insertOrder(orderID), "OrderCreated",
			map[string]any{"orderId": orderID})
		require.NoError(t, err)
		assert.Equal(t, orderID, entityID)

		events, err := repo.ListByAggregate(ctx, orderID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, eventID, events[0].ID)
		assert.Equal(t, outbox.StatusPending, events[0].Status())
		assert.JSONEq(t, fmt.Sprintf(`{"orderId":%q}`, orderID), string(events[0].Payload))
	})

	t.Run("not found rolls back", func(t *testing.T) {
		before, err := repo.PendingCount(ctx)
		require.NoError(t, err)

		missing := func(ctx context.Context, tx *sql.Tx) (string, error) {
			result, err := tx.ExecContext(ctx, `UPDATE orders SET status = 'CONFIRMED' WHERE id = $1`, uuid.NewString())
			if err != nil {
				return "", err
			}

			if rows, _ := result.RowsAffected(); rows == 0 {
				return "", outbox.ErrNotFound
			}

			return "", nil
		}

		_, _, err = writer.SubmitMutationWithEvent(ctx, missing, "OrderConfirmed", nil)
		require.ErrorIs(t, err, outbox.ErrNotFound)

		after, err := repo.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("claim, fail, reclaim, publish", func(t *testing.T) {
		drain(t, repo)

		orderID := uuid.NewString()
		_, eventID, err := writer.SubmitMutationWithEvent(ctx, insertOrder(orderID), "OrderCreated", json.RawMessage(`{"n":1}`))
		require.NoError(t, err)

		now := time.Now()

		claimed, err := repo.Claim(ctx, now, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, eventID, claimed.ID)
		assert.Equal(t, 1, claimed.Attempts)

		_, err = repo.Claim(ctx, now, 30*time.Second)
		require.ErrorIs(t, err, outbox.ErrNoPendingEvents)

		require.NoError(t, repo.MarkFailed(ctx, claimed, "broker unavailable"))

		reclaimed, err := repo.Claim(ctx, now.Add(time.Second), 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2, reclaimed.Attempts)
		require.NotNil(t, reclaimed.LastError)
		assert.Equal(t, "broker unavailable", *reclaimed.LastError)

		require.ErrorIs(t, repo.MarkPublished(ctx, claimed, now), outbox.ErrLeaseLost)
		require.NoError(t, repo.MarkPublished(ctx, reclaimed, now.Add(2*time.Second)))

		events, err := repo.ListByAggregate(ctx, orderID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, outbox.StatusPublished, events[0].Status())
		assert.Nil(t, events[0].LastError)
		assert.Nil(t, events[0].LockedAt)
		assert.Equal(t, 2, events[0].Attempts)
	})

	t.Run("concurrent claims are exclusive", func(t *testing.T) {
		drain(t, repo)

		const events = 40

		for range events {
			_, _, err := writer.SubmitMutationWithEvent(ctx, insertOrder(uuid.NewString()), "OrderCreated", nil)
			require.NoError(t, err)
		}

		var (
			mu      sync.Mutex
			claimed = map[string]int{}
			wg      sync.WaitGroup
		)

		for range 6 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for {
					event, err := repo.Claim(ctx, time.Now(), time.Minute)
					if err != nil {
						return
					}

					mu.Lock()
					claimed[event.ID]++
					mu.Unlock()

					if err := repo.MarkPublished(ctx, event, time.Now()); err != nil {
						t.Errorf("mark published: %v", err)

						return
					}
				}
			}()
		}

		wg.Wait()

		require.Len(t, claimed, events)

		for id, count := range claimed {
			assert.Equal(t, 1, count, "event %s claimed more than once", id)
		}

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Pending)
		assert.Zero(t, stats.Processing)
	})
}

// drain publishes everything left by earlier subtests.
func drain(t *testing.T, repo *Repository) {
	t.Helper()

	ctx := context.Background()

	for {
		event, err := repo.Claim(ctx, time.Now().Add(time.Hour), time.Second)
		if err != nil {
			require.ErrorIs(t, err, outbox.ErrNoPendingEvents)

			return
		}

		require.NoError(t, repo.MarkPublished(ctx, event, time.Now()))
	}
}
