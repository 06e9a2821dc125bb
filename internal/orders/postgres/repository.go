// Package postgres stores orders and reservations in PostgreSQL. Order
// writes go through the outbox Writer so each change commits with its event.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/outbox-relay/internal/orders"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
	outboxpostgres "github.com/LerianStudio/outbox-relay/relay/outbox/postgres"
	libPostgres "github.com/LerianStudio/outbox-relay/relay/postgres"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
)

const orderColumns = "id, customer_id, items, status, created_at, updated_at"

var (
	// ErrClientRequired is returned when the postgres client is nil.
	ErrClientRequired = errors.New("postgres client is required")
	// ErrWriterRequired is returned when the outbox writer is nil.
	ErrWriterRequired = errors.New("outbox writer is required")
	// ErrRepositoryNotInitialized is returned by methods on a zero value.
	ErrRepositoryNotInitialized = errors.New("orders repository not initialized")
)

// Option configures the repositories of this package.
type Option func(*settings)

type settings struct {
	logger libLog.Logger
}

// WithLogger sets the logger.
func WithLogger(logger libLog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{logger: libLog.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	return s
}

// Repository implements orders.Repository on the orders table.
type Repository struct {
	client *libPostgres.Client
	writer *outboxpostgres.Writer
	settings
}

var _ orders.Repository = (*Repository)(nil)

// NewRepository creates a Repository that records events through writer.
func NewRepository(client *libPostgres.Client, writer *outboxpostgres.Writer, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	if writer == nil {
		return nil, ErrWriterRequired
	}

	return &Repository{client: client, writer: writer, settings: newSettings(opts)}, nil
}

// Create inserts order and its OrderCreated event. order.ID is set on success.
func (repo *Repository) Create(ctx context.Context, order *orders.Order) (string, error) {
	if repo == nil || repo.writer == nil {
		return "", ErrRepositoryNotInitialized
	}

	order.CreatedAt = toMicros(order.CreatedAt)
	order.UpdatedAt = toMicros(order.UpdatedAt)

	items, err := json.Marshal(order.Items)
	if err != nil {
		return "", fmt.Errorf("%w: encode items: %w", orders.ErrInvalidOrder, err)
	}

	id := uuid.NewString()
	payload := &orders.EventPayload{}

	mutation := func(ctx context.Context, tx *sql.Tx) (string, error) {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO orders ("+orderColumns+") VALUES ($1, $2, $3, $4, $5, $6)",
			id, order.CustomerID, string(items), string(order.Status), order.CreatedAt, order.UpdatedAt)
		if err != nil {
			return "", fmt.Errorf("insert order: %w", err)
		}

		order.ID = id
		payload.Fill(order)

		return id, nil
	}

	_, eventID, err := repo.writer.SubmitMutationWithEvent(ctx, mutation, orders.EventOrderCreated, payload)
	if err != nil {
		order.ID = ""

		return "", err
	}

	return eventID, nil
}

// Transition locks the row, applies the status change and records the
// matching event in the same transaction.
func (repo *Repository) Transition(ctx context.Context, id string, to orders.Status, now time.Time) (*orders.Order, string, error) {
	if repo == nil || repo.writer == nil {
		return nil, "", ErrRepositoryNotInitialized
	}

	if _, err := uuid.Parse(id); err != nil {
		return nil, "", fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
	}

	var updated *orders.Order

	payload := &orders.EventPayload{}

	mutation := func(ctx context.Context, tx *sql.Tx) (string, error) {
		row := tx.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)

		order, err := scanOrder(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
			}

			return "", fmt.Errorf("load order: %w", err)
		}

		if err := order.TransitionTo(to, toMicros(now)); err != nil {
			return "", err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1",
			id, string(order.Status), order.UpdatedAt); err != nil {
			return "", fmt.Errorf("update order: %w", err)
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

// Get returns the order with id. The read may be served by a replica.
func (repo *Repository) Get(ctx context.Context, id string) (*orders.Order, error) {
	if repo == nil || repo.client == nil {
		return nil, ErrRepositoryNotInitialized
	}

	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
	}

	db, err := repo.client.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", outbox.ErrStoreUnavailable, err)
	}

	order, err := scanOrder(db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
		}

		libLog.SafeError(repo.logger, ctx, "failed to load order", err, runtime.IsProductionMode())

		return nil, fmt.Errorf("%w: load order: %w", outbox.ErrStoreUnavailable, err)
	}

	return order, nil
}

// ListLatest returns up to limit orders, newest first.
func (repo *Repository) ListLatest(ctx context.Context, limit int) ([]*orders.Order, error) {
	if repo == nil || repo.client == nil {
		return nil, ErrRepositoryNotInitialized
	}

	db, err := repo.client.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", outbox.ErrStoreUnavailable, err)
	}

	rows, err := db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders ORDER BY created_at DESC, id DESC LIMIT $1", limit)
	if err != nil {
		libLog.SafeError(repo.logger, ctx, "failed to list orders", err, runtime.IsProductionMode())

		return nil, fmt.Errorf("%w: list orders: %w", outbox.ErrStoreUnavailable, err)
	}

	defer rows.Close()

	list := make([]*orders.Order, 0, limit)

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning order: %w", outbox.ErrStoreUnavailable, err)
		}

		list = append(list, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating rows: %w", outbox.ErrStoreUnavailable, err)
	}

	return list, nil
}

func scanOrder(scanner interface{ Scan(dest ...any) error }) (*orders.Order, error) {
	var (
		order  orders.Order
		items  []byte
		status string
	)

	if err := scanner.Scan(&order.ID, &order.CustomerID, &items, &status, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}

	order.Status = orders.Status(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()

	return &order, nil
}

func toMicros(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
