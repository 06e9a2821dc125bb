package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/LerianStudio/outbox-relay/internal/orders"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
	libPostgres "github.com/LerianStudio/outbox-relay/relay/postgres"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
)

const upsertReservation = `INSERT INTO reservations (sku, reserved, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (sku) DO UPDATE SET reserved = reservations.reserved + EXCLUDED.reserved, updated_at = EXCLUDED.updated_at`

// ReservationStore implements orders.ReservationStore on the reservations table.
type ReservationStore struct {
	client *libPostgres.Client
	settings
}

var _ orders.ReservationStore = (*ReservationStore)(nil)

// NewReservationStore creates a ReservationStore.
func NewReservationStore(client *libPostgres.Client, opts ...Option) (*ReservationStore, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &ReservationStore{client: client, settings: newSettings(opts)}, nil
}

// Adjust upserts every SKU in one transaction. Rows are touched in SKU order
// so concurrent adjustments cannot deadlock.
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

	now = toMicros(now)

	err := s.client.WithTx(ctx, func(tx *sql.Tx) error {
		for _, sku := range skus {
			if _, err := tx.ExecContext(ctx, upsertReservation, sku, deltas[sku], now); err != nil {
				return fmt.Errorf("upsert reservation %s: %w", sku, err)
			}
		}

		return nil
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

	db, err := s.client.DB()
	if err != nil {
		return orders.Reservation{}, fmt.Errorf("%w: %w", outbox.ErrStoreUnavailable, err)
	}

	res := orders.Reservation{SKU: sku}

	err = db.QueryRowContext(ctx, "SELECT reserved, updated_at FROM reservations WHERE sku = $1", sku).
		Scan(&res.Reserved, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.Reservation{SKU: sku}, nil
		}

		return orders.Reservation{}, fmt.Errorf("%w: load reservation: %w", outbox.ErrStoreUnavailable, err)
	}

	res.UpdatedAt = res.UpdatedAt.UTC()

	return res, nil
}
