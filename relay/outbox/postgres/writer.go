package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

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

// Mutation applies a business change inside the writer's transaction and
// returns the id of the entity it touched.
type Mutation func(ctx context.Context, tx *sql.Tx) (entityID string, err error)

// Writer commits a mutation and its outbox events atomically.
type Writer struct {
	client *libPostgres.Client
	settings
}

// NewWriter creates a Writer.
func NewWriter(client *libPostgres.Client, opts ...Option) (*Writer, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	s, err := newSettings(opts)
	if err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return &Writer{client: client, settings: s}, nil
}

// Submit runs mutation and inserts one event per spec in one transaction.
// Specs without an AggregateID are bound to the returned entity id.
func (w *Writer) Submit(ctx context.Context, mutation Mutation, specs ...outbox.EventSpec) (*outbox.Submission, error) {
	if w == nil || w.client == nil {
		return nil, ErrRepositoryNotInitialized
	}

	if mutation == nil {
		return nil, outbox.ErrMutationRequired
	}

	if len(specs) == 0 {
		return nil, outbox.ErrEventRequired
	}

	if err := outbox.ValidateSpecs(ctx, specs...); err != nil {
		return nil, err
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox_submit")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemPostgreSQL),
		attribute.String(constant.AttrDBSQLTable, w.table),
		attribute.String(constant.AttrEventType, specs[0].Type),
	)

	var submission *outbox.Submission

	err := w.client.WithTx(ctx, func(tx *sql.Tx) error {
		entityID, err := mutation(ctx, tx)
		if err != nil {
			return err
		}

		recorded, err := w.insertEvents(ctx, tx, entityID, specs)
		if err != nil {
			return err
		}

		submission = &outbox.Submission{EntityID: entityID, Events: recorded}

		return nil
	})
	if err != nil {
		classified := classifyError(err)

		if errors.Is(classified, outbox.ErrStoreUnavailable) {
			libOpentelemetry.HandleSpanError(&span, "Failed to commit outbox submission", err)
			libLog.SafeError(w.logger, ctx, "outbox submission failed", err, runtime.IsProductionMode())
		} else {
			libOpentelemetry.HandleSpanBusinessErrorEvent(&span, "outbox.submission.rejected", err)
		}

		return nil, classified
	}

	return submission, nil
}

// SubmitMutationWithEvent is Submit for the common single-event case.
func (w *Writer) SubmitMutationWithEvent(
	ctx context.Context,
	mutation Mutation,
	eventType string,
	payload any,
) (entityID, eventID string, err error) {
	submission, err := w.Submit(ctx, mutation, outbox.EventSpec{Type: eventType, Payload: payload})
	if err != nil {
		return "", "", err
	}

	return submission.EntityID, submission.Events[0].ID, nil
}

func (w *Writer) insertEvents(ctx context.Context, tx *sql.Tx, entityID string, specs []outbox.EventSpec) ([]*outbox.Event, error) {
	now := toMicros(w.clock())
	events := make([]*outbox.Event, 0, len(specs))
	args := make([]any, 0, len(specs)*5)

	var values strings.Builder

	for i, spec := range specs {
		event, err := outbox.NewEvent(ctx, outbox.BindAggregate(spec, entityID), now)
		if err != nil {
			return nil, err
		}

		event.ID = uuid.NewString()
		events = append(events, event)

		if i > 0 {
			values.WriteString(", ")
		}

		base := i * 5
		fmt.Fprintf(&values, "($%d, $%d, $%d, $%d::jsonb, $%d, 0)", base+1, base+2, base+3, base+4, base+5)

		args = append(args, event.ID, event.Type, event.AggregateID, string(event.Payload), event.CreatedAt)
	}

	query := "INSERT INTO " + libPostgres.QuoteIdentifierPath(w.table) +
		" (id, event_type, aggregate_id, payload, created_at, attempts) VALUES " + values.String()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert outbox events: %w", err)
	}

	return events, nil
}

func classifyError(err error) error {
	switch {
	case errors.Is(err, outbox.ErrNotFound),
		errors.Is(err, outbox.ErrConflict),
		errors.Is(err, outbox.ErrInvalidEvent),
		errors.Is(err, outbox.ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", outbox.ErrStoreUnavailable, err)
	}
}
