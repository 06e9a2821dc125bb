//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/outbox-relay/relay/outbox"
	libPostgres "github.com/LerianStudio/outbox-relay/relay/postgres"
)

func TestNewSettings_Table(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		table   string
		want    string
		wantErr bool
	}{
		{name: "default", table: "", want: DefaultTable},
		{name: "plain", table: "events", want: "events"},
		{name: "schema qualified", table: "tenant_a.outbox_events", want: "tenant_a.outbox_events"},
		{name: "trimmed", table: "  events ", want: "events"},
		{name: "injection", table: "events; DROP TABLE orders", wantErr: true},
		{name: "quoted", table: `"events"`, wantErr: true},
		{name: "too long", table: "a123456789012345678901234567890123456789012345678901234567890123", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := newSettings([]Option{WithTable(tt.table), WithLogger(nil), WithClock(nil)})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidIdentifier)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, s.table)
			assert.NotNil(t, s.logger)
			assert.NotNil(t, s.clock)
		})
	}
}

func TestConstructors(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil)
	require.ErrorIs(t, err, ErrClientRequired)

	_, err = NewWriter(nil)
	require.ErrorIs(t, err, ErrClientRequired)

	_, err = NewWriter(&libPostgres.Client{}, WithTable("bad table"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestSubmit_RejectsBeforeOpeningTransaction(t *testing.T) {
	t.Parallel()

	writer, err := NewWriter(&libPostgres.Client{})
	require.NoError(t, err)

	mutation := func(context.Context, *sql.Tx) (string, error) { return "o-1", nil }

	_, err = writer.Submit(context.Background(), nil, outbox.EventSpec{Type: "OrderCreated"})
	require.ErrorIs(t, err, outbox.ErrMutationRequired)

	_, err = writer.Submit(context.Background(), mutation)
	require.ErrorIs(t, err, outbox.ErrEventRequired)

	_, _, err = writer.SubmitMutationWithEvent(context.Background(), mutation, " ", nil)
	require.ErrorIs(t, err, outbox.ErrEventTypeRequired)
}

func TestSubmit_ClosedClientIsStoreUnavailable(t *testing.T) {
	t.Parallel()

	writer, err := NewWriter(&libPostgres.Client{})
	require.NoError(t, err)

	mutation := func(context.Context, *sql.Tx) (string, error) { return "o-1", nil }

	_, _, err = writer.SubmitMutationWithEvent(context.Background(), mutation, "OrderCreated", nil)
	require.ErrorIs(t, err, outbox.ErrStoreUnavailable)
	require.ErrorIs(t, err, libPostgres.ErrNotConnected)
}

func TestRepository_ClosedClient(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository(&libPostgres.Client{})
	require.NoError(t, err)

	_, err = repo.Claim(context.Background(), time.Now(), 0)
	require.ErrorIs(t, err, outbox.ErrStoreUnavailable)

	_, err = repo.PendingCount(context.Background())
	require.ErrorIs(t, err, outbox.ErrStoreUnavailable)

	var zero *Repository

	_, err = zero.Stats(context.Background())
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	notFound := fmt.Errorf("order: %w", outbox.ErrNotFound)
	assert.Same(t, notFound, classifyError(notFound))
	require.ErrorIs(t, classifyError(errors.New("conn reset")), outbox.ErrStoreUnavailable)
}
