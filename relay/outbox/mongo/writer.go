package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel/attribute"

	relay "github.com/LerianStudio/outbox-relay/relay"
	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libMongo "github.com/LerianStudio/outbox-relay/relay/mongo"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
)

// Mutation applies a business change inside the writer's transaction and
// returns the id of the entity it touched. Every read and write must use
// sessCtx. It may run more than once if the transaction is retried.
type Mutation func(sessCtx mongo.SessionContext, db *mongo.Database) (entityID string, err error)

// Writer commits a mutation and its outbox events atomically.
type Writer struct {
	client *libMongo.Client
	settings
}

// NewWriter creates a Writer.
func NewWriter(client *libMongo.Client, opts ...Option) (*Writer, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &Writer{client: client, settings: newSettings(opts)}, nil
}

// Submit runs mutation and inserts one event per spec in one transaction.
// Specs without an AggregateID are bound to the returned entity id.
//
// Errors: outbox.ErrInvalidEvent for bad specs, outbox.ErrNotFound and
// outbox.ErrConflict when the mutation returns them, and
// outbox.ErrStoreUnavailable for everything else. Nothing is committed on error.
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

	ctx, span := tracer.Start(ctx, "mongo.outbox_submit")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB),
		attribute.String(constant.AttrDBMongoDBCollection, w.collection),
		attribute.String(constant.AttrEventType, specs[0].Type),
	)

	var submission *outbox.Submission

	err := w.client.WithTransaction(ctx, func(sessCtx mongo.SessionContext, db *mongo.Database) error {
		submission = nil

		entityID, err := mutation(sessCtx, db)
		if err != nil {
			return err
		}

		recorded, err := w.insertEvents(sessCtx, db, entityID, specs)
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

func (w *Writer) insertEvents(
	sessCtx mongo.SessionContext,
	db *mongo.Database,
	entityID string,
	specs []outbox.EventSpec,
) ([]*outbox.Event, error) {
	now := toMillis(w.clock())
	events := make([]*outbox.Event, 0, len(specs))
	docs := make([]any, 0, len(specs))

	for _, spec := range specs {
		event, err := outbox.NewEvent(sessCtx, outbox.BindAggregate(spec, entityID), now)
		if err != nil {
			return nil, err
		}

		oid := primitive.NewObjectID()

		doc, err := newEventDocument(oid, event)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", outbox.ErrInvalidEvent, err)
		}

		event.ID = oid.Hex()
		events = append(events, event)
		docs = append(docs, doc)
	}

	if _, err := db.Collection(w.collection).InsertMany(sessCtx, docs); err != nil {
		return nil, fmt.Errorf("insert outbox events: %w", err)
	}

	return events, nil
}

// classifyError keeps domain errors and wraps the rest as store failures.
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
