package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	relay "github.com/LerianStudio/outbox-relay/relay"
	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/inbox"
	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
	libPostgres "github.com/LerianStudio/outbox-relay/relay/postgres"
)

// DefaultTable is the inbox table name.
const DefaultTable = "inbox_messages"

const inboxColumns = "message_id, routing_key, payload, received_at, status, attempts, last_error, updated_at, processed_at"

var (
	// ErrClientRequired is returned when the postgres client is nil.
	ErrClientRequired = errors.New("postgres client is required")
	// ErrStoreNotInitialized is returned by methods on a zero Store.
	ErrStoreNotInitialized = errors.New("inbox store not initialized")
	// ErrStoreUnavailable wraps driver failures.
	ErrStoreUnavailable = errors.New("inbox store unavailable")
)

// Store implements inbox.Store. Every statement goes to the primary.
type Store struct {
	client *libPostgres.Client
	table  string
	logger libLog.Logger
}

var _ inbox.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTable overrides the inbox table, optionally schema-qualified.
func WithTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// WithLogger sets the logger.
func WithLogger(logger libLog.Logger) Option {
	return func(s *Store) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// NewStore creates a PostgreSQL inbox store.
func NewStore(client *libPostgres.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	store := &Store{client: client, table: DefaultTable, logger: libLog.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.table = strings.TrimSpace(store.table)
	if store.table == "" {
		store.table = DefaultTable
	}

	if err := libPostgres.ValidateIdentifierPath(store.table); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// InsertIfAbsent inserts record, or returns inbox.ErrDuplicate when the
// message id already exists.
func (s *Store) InsertIfAbsent(ctx context.Context, record inbox.Record) error {
	db, err := s.primary()
	if err != nil {
		return err
	}

	if strings.TrimSpace(record.MessageID) == "" {
		return inbox.ErrMessageIDRequired
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.insert_inbox_record")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemPostgreSQL),
		attribute.String(constant.AttrDBSQLTable, s.table),
		attribute.String(constant.AttrMessagingMessageID, record.MessageID),
	)

	payload := string(record.Payload)
	if payload == "" {
		payload = "{}"
	}

	query := "INSERT INTO " + libPostgres.QuoteIdentifierPath(s.table) + " (" + inboxColumns + ") " +
		"VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, NULL) ON CONFLICT (message_id) DO NOTHING"

	result, err := db.ExecContext(ctx, query,
		record.MessageID,
		record.RoutingKey,
		payload,
		toMicros(record.ReceivedAt),
		string(record.Status),
		record.Attempts,
		record.LastError,
		toMicros(record.UpdatedAt),
	)
	if err != nil {
		if libPostgres.IsUniqueViolation(err) {
			return inbox.ErrDuplicate
		}

		libOpentelemetry.HandleSpanError(&span, "Failed to insert inbox record", err)

		return fmt.Errorf("%w: insert inbox record: %w", ErrStoreUnavailable, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrStoreUnavailable, err)
	}

	if rows == 0 {
		libOpentelemetry.HandleSpanBusinessErrorEvent(&span, "inbox.duplicate", inbox.ErrDuplicate)

		return inbox.ErrDuplicate
	}

	return nil
}

// Complete marks the row done and runs apply in one transaction. The UPDATE
// goes first and holds the row lock, so ClaimRetry skips the row until the
// transaction ends. apply receives a context carrying the transaction;
// libPostgres.Client.WithTx calls made with it join the transaction.
func (s *Store) Complete(ctx context.Context, messageID string, attempt int, processedAt time.Time, apply func(ctx context.Context) error) error {
	if s == nil || s.client == nil {
		return ErrStoreNotInitialized
	}

	if apply == nil {
		return inbox.ErrHandlerRequired
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.complete_inbox_record")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemPostgreSQL),
		attribute.String(constant.AttrDBSQLTable, s.table),
		attribute.String(constant.AttrMessagingMessageID, messageID),
	)

	processedAt = toMicros(processedAt)

	query := "UPDATE " + libPostgres.QuoteIdentifierPath(s.table) +
		" SET status = 'done', processed_at = $2, updated_at = $2, last_error = NULL" +
		" WHERE message_id = $1 AND status = 'pending' AND attempts = $3"

	var applyErr error

	err := s.client.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, messageID, processedAt, attempt)
		if err != nil {
			return err
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}

		if rows == 0 {
			return inbox.ErrAttemptSuperseded
		}

		applyErr = apply(libPostgres.ContextWithTx(ctx, tx))

		return applyErr
	})

	switch {
	case err == nil:
		return nil
	case applyErr != nil && errors.Is(err, applyErr):
		return err
	case errors.Is(err, inbox.ErrAttemptSuperseded):
		if _, getErr := s.Get(ctx, messageID); errors.Is(getErr, inbox.ErrRecordNotFound) {
			return inbox.ErrRecordNotFound
		}

		return err
	}

	libOpentelemetry.HandleSpanError(&span, "Failed to complete inbox record", err)

	return fmt.Errorf("%w: complete inbox record: %w", ErrStoreUnavailable, err)
}

// MarkFailed records errMsg on a pending row still on attempt. A row that
// finished or was claimed again is left alone.
func (s *Store) MarkFailed(ctx context.Context, messageID string, attempt int, errMsg string, at time.Time) error {
	err := s.update(ctx, "postgres.mark_inbox_failed",
		"status = 'failed', last_error = $2, updated_at = $3 "+
			"WHERE message_id = $1 AND status = 'pending' AND attempts = $4",
		messageID, errMsg, toMicros(at), attempt)

	if errors.Is(err, inbox.ErrRecordNotFound) {
		if _, getErr := s.Get(ctx, messageID); getErr == nil {
			return nil
		}
	}

	return err
}

// ClaimRetry picks the oldest failed or stale pending row below maxAttempts.
// Rows locked by a concurrent sweeper are skipped.
func (s *Store) ClaimRetry(ctx context.Context, now time.Time, staleAfter time.Duration, maxAttempts int) (*inbox.Record, error) {
	db, err := s.primary()
	if err != nil {
		return nil, err
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.claim_inbox_retry")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemPostgreSQL),
		attribute.String(constant.AttrDBSQLTable, s.table),
	)

	now = toMicros(now)
	table := libPostgres.QuoteIdentifierPath(s.table)

	query := "UPDATE " + table + " SET status = 'pending', attempts = attempts + 1, updated_at = $1 " +
		"WHERE message_id = (SELECT message_id FROM " + table + " " +
		"WHERE attempts < $3 AND (status = 'failed' OR (status = 'pending' AND updated_at < $2)) " +
		"ORDER BY received_at, message_id FOR UPDATE SKIP LOCKED LIMIT 1) " +
		"RETURNING " + inboxColumns

	record, err := scanRecord(db.QueryRowContext(ctx, query, now, now.Add(-staleAfter), maxAttempts))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inbox.ErrNoRetryableMessages
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to claim inbox record", err)

		return nil, fmt.Errorf("%w: claim inbox record: %w", ErrStoreUnavailable, err)
	}

	return record, nil
}

// Get returns the record for messageID.
func (s *Store) Get(ctx context.Context, messageID string) (*inbox.Record, error) {
	db, err := s.primary()
	if err != nil {
		return nil, err
	}

	query := "SELECT " + inboxColumns + " FROM " + libPostgres.QuoteIdentifierPath(s.table) + " WHERE message_id = $1"

	record, err := scanRecord(db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inbox.ErrRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: get inbox record: %w", ErrStoreUnavailable, err)
	}

	return record, nil
}

func (s *Store) update(ctx context.Context, spanName, setWhere string, args ...any) error {
	db, err := s.primary()
	if err != nil {
		return err
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	query := "UPDATE " + libPostgres.QuoteIdentifierPath(s.table) + " SET " + setWhere

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to update inbox record", err)

		return fmt.Errorf("%w: update inbox record: %w", ErrStoreUnavailable, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrStoreUnavailable, err)
	}

	if rows == 0 {
		return inbox.ErrRecordNotFound
	}

	return nil
}

func (s *Store) primary() (*sql.DB, error) {
	if s == nil || s.client == nil {
		return nil, ErrStoreNotInitialized
	}

	db, err := s.client.Primary()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return db, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*inbox.Record, error) {
	var (
		record      inbox.Record
		payload     []byte
		status      string
		lastError   sql.NullString
		processedAt sql.NullTime
	)

	if err := row.Scan(
		&record.MessageID,
		&record.RoutingKey,
		&payload,
		&record.ReceivedAt,
		&status,
		&record.Attempts,
		&lastError,
		&record.UpdatedAt,
		&processedAt,
	); err != nil {
		return nil, err
	}

	record.Payload = payload
	record.Status = inbox.Status(status)
	record.ReceivedAt = record.ReceivedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()

	if lastError.Valid {
		record.LastError = &lastError.String
	}

	if processedAt.Valid {
		at := processedAt.Time.UTC()
		record.ProcessedAt = &at
	}

	return &record, nil
}

func toMicros(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
