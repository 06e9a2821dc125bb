package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	relay "github.com/LerianStudio/outbox-relay/relay"
	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
	libPostgres "github.com/LerianStudio/outbox-relay/relay/postgres"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
)

const outboxColumns = "id, event_type, aggregate_id, payload, created_at, published_at, attempts, last_error, locked_at"

var (
	// ErrClientRequired is returned when the postgres client is nil.
	ErrClientRequired = errors.New("postgres client is required")
	// ErrRepositoryNotInitialized is returned by methods on a zero Repository.
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
)

// Repository implements outbox.Repository and outbox.StatsReader.
type Repository struct {
	client *libPostgres.Client
	settings
}

var (
	_ outbox.Repository  = (*Repository)(nil)
	_ outbox.StatsReader = (*Repository)(nil)
)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(client *libPostgres.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	s, err := newSettings(opts)
	if err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return &Repository{client: client, settings: s}, nil
}

// EnsureIndexes checks the table exists. Indexes are owned by migrations.
func (repo *Repository) EnsureIndexes(ctx context.Context) error {
	db, err := repo.primary()
	if err != nil {
		return err
	}

	var regclass sql.NullString
	if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)::text", repo.table).Scan(&regclass); err != nil {
		return fmt.Errorf("%w: check outbox table: %w", outbox.ErrStoreUnavailable, err)
	}

	if !regclass.Valid {
		return fmt.Errorf("outbox table %s does not exist; run the migrations", repo.table)
	}

	return nil
}

// Claim picks the oldest unpublished row whose lease is free or expired.
// Rows locked by a concurrent claim are skipped, not waited on.
func (repo *Repository) Claim(ctx context.Context, now time.Time, lease time.Duration) (*outbox.Event, error) {
	db, err := repo.primary()
	if err != nil {
		return nil, err
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.claim_outbox_event")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemPostgreSQL),
		attribute.String(constant.AttrDBSQLTable, repo.table),
	)

	now = toMicros(now)
	table := libPostgres.QuoteIdentifierPath(repo.table)

	query := "UPDATE " + table + " SET locked_at = $1, attempts = attempts + 1 " +
		"WHERE id = (SELECT id FROM " + table + " " +
		"WHERE published_at IS NULL AND (locked_at IS NULL OR locked_at < $2) " +
		"ORDER BY created_at, id FOR UPDATE SKIP LOCKED LIMIT 1) " +
		"RETURNING " + outboxColumns

	event, err := scanEvent(db.QueryRowContext(ctx, query, now, now.Add(-lease)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, outbox.ErrNoPendingEvents
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to claim outbox event", err)

		return nil, fmt.Errorf("%w: claim outbox event: %w", outbox.ErrStoreUnavailable, err)
	}

	return event, nil
}

// MarkPublished records published_at and releases the claim.
func (repo *Repository) MarkPublished(ctx context.Context, claimed *outbox.Event, publishedAt time.Time) error {
	return repo.markClaimed(ctx, "postgres.mark_outbox_published", claimed,
		"published_at = $3, locked_at = NULL, last_error = NULL", toMicros(publishedAt))
}

// MarkFailed records errMsg and releases the claim so the row is retried.
func (repo *Repository) MarkFailed(ctx context.Context, claimed *outbox.Event, errMsg string) error {
	return repo.markClaimed(ctx, "postgres.mark_outbox_failed", claimed,
		"last_error = $3, locked_at = NULL", errMsg)
}

func (repo *Repository) markClaimed(
	ctx context.Context,
	spanName string,
	claimed *outbox.Event,
	assignments string,
	value any,
) error {
	db, err := repo.primary()
	if err != nil {
		return err
	}

	if claimed == nil {
		return outbox.ErrEventRequired
	}

	if claimed.LockedAt == nil {
		return outbox.ErrLeaseLost
	}

	id, err := uuid.Parse(claimed.ID)
	if err != nil {
		return fmt.Errorf("%w: event id %q: %w", outbox.ErrInvalidEvent, claimed.ID, err)
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrMessagingMessageID, claimed.ID))

	query := "UPDATE " + libPostgres.QuoteIdentifierPath(repo.table) + " SET " + assignments + " WHERE id = $1 AND locked_at = $2"

	result, err := db.ExecContext(ctx, query, id, toMicros(*claimed.LockedAt), value)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to update outbox event", err)

		return fmt.Errorf("%w: update outbox event %s: %w", outbox.ErrStoreUnavailable, claimed.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", outbox.ErrStoreUnavailable, err)
	}

	if rows == 0 {
		return outbox.ErrLeaseLost
	}

	return nil
}

// PendingCount counts unpublished rows. It may be served by the replica.
func (repo *Repository) PendingCount(ctx context.Context) (int64, error) {
	if repo == nil || repo.client == nil {
		return 0, ErrRepositoryNotInitialized
	}

	db, err := repo.client.DB()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", outbox.ErrStoreUnavailable, err)
	}

	var count int64

	query := "SELECT count(*) FROM " + libPostgres.QuoteIdentifierPath(repo.table) + " WHERE published_at IS NULL"
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		libLog.SafeError(repo.logger, ctx, "failed to count outbox events", err, runtime.IsProductionMode())

		return 0, fmt.Errorf("%w: count outbox events: %w", outbox.ErrStoreUnavailable, err)
	}

	return count, nil
}

// Stats counts rows per status. It may be served by the replica.
func (repo *Repository) Stats(ctx context.Context) (outbox.Stats, error) {
	if repo == nil || repo.client == nil {
		return outbox.Stats{}, ErrRepositoryNotInitialized
	}

	db, err := repo.client.DB()
	if err != nil {
		return outbox.Stats{}, fmt.Errorf("%w: %w", outbox.ErrStoreUnavailable, err)
	}

	query := "SELECT " +
		"count(*) FILTER (WHERE published_at IS NULL AND locked_at IS NULL), " +
		"count(*) FILTER (WHERE published_at IS NULL AND locked_at IS NOT NULL), " +
		"count(*) FILTER (WHERE published_at IS NOT NULL) " +
		"FROM " + libPostgres.QuoteIdentifierPath(repo.table)

	var stats outbox.Stats
	if err := db.QueryRowContext(ctx, query).Scan(&stats.Pending, &stats.Processing, &stats.Published); err != nil {
		return outbox.Stats{}, fmt.Errorf("%w: outbox stats: %w", outbox.ErrStoreUnavailable, err)
	}

	return stats, nil
}

// ListByAggregate returns the events recorded for aggregateID, oldest first.
func (repo *Repository) ListByAggregate(ctx context.Context, aggregateID string) ([]*outbox.Event, error) {
	db, err := repo.primary()
	if err != nil {
		return nil, err
	}

	query := "SELECT " + outboxColumns + " FROM " + libPostgres.QuoteIdentifierPath(repo.table) +
		" WHERE aggregate_id = $1 ORDER BY created_at, id"

	rows, err := db.QueryContext(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("%w: list outbox events: %w", outbox.ErrStoreUnavailable, err)
	}

	defer rows.Close()

	var events []*outbox.Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating rows: %w", outbox.ErrStoreUnavailable, err)
	}

	return events, nil
}

func (repo *Repository) primary() (*sql.DB, error) {
	if repo == nil || repo.client == nil {
		return nil, ErrRepositoryNotInitialized
	}

	db, err := repo.client.Primary()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", outbox.ErrStoreUnavailable, err)
	}

	return db, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (*outbox.Event, error) {
	var (
		event       outbox.Event
		payload     []byte
		publishedAt sql.NullTime
		lastError   sql.NullString
		lockedAt    sql.NullTime
	)

	if err := scanner.Scan(
		&event.ID,
		&event.Type,
		&event.AggregateID,
		&payload,
		&event.CreatedAt,
		&publishedAt,
		&event.Attempts,
		&lastError,
		&lockedAt,
	); err != nil {
		return nil, err
	}

	event.Payload = payload
	event.CreatedAt = event.CreatedAt.UTC()
	event.PublishedAt = nullTimePtr(publishedAt)
	event.LockedAt = nullTimePtr(lockedAt)

	if lastError.Valid {
		event.LastError = &lastError.String
	}

	return &event, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time.UTC()

	return &t
}

// toMicros drops precision timestamptz cannot hold, so a locked_at read
// back from the table compares equal to the value that was written.
func toMicros(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
