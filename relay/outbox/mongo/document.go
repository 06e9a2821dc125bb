package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	libMongo "github.com/LerianStudio/outbox-relay/relay/mongo"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
)

// eventDocument is the stored shape of an outbox.Event. publishedAt is
// written as null so the pending filter can use an equality match.
type eventDocument struct {
	ID          primitive.ObjectID `bson:"_id"`
	Type        string             `bson:"type"`
	AggregateID string             `bson:"aggregateId"`
	Payload     bson.RawValue      `bson:"payload"`
	CreatedAt   time.Time          `bson:"createdAt"`
	PublishedAt *time.Time         `bson:"publishedAt"`
	Attempts    int                `bson:"attempts"`
	LastError   *string            `bson:"lastError,omitempty"`
	LockedAt    *time.Time         `bson:"lockedAt,omitempty"`
}

// payloadToBSON stores object payloads as embedded documents.
func payloadToBSON(payload json.RawMessage) (bson.RawValue, error) {
	value, err := libMongo.JSONToValue(payload)
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("%w: %w", outbox.ErrPayloadNotJSON, err)
	}

	return value, nil
}

var decodePayload = libMongo.ValueToJSON

func payloadFromBSON(value bson.RawValue) (json.RawMessage, error) {
	return decodePayload(value)
}

func newEventDocument(id primitive.ObjectID, event *outbox.Event) (eventDocument, error) {
	payload, err := payloadToBSON(event.Payload)
	if err != nil {
		return eventDocument{}, err
	}

	return eventDocument{
		ID:          id,
		Type:        event.Type,
		AggregateID: event.AggregateID,
		Payload:     payload,
		CreatedAt:   toMillis(event.CreatedAt),
		Attempts:    event.Attempts,
	}, nil
}

func (doc eventDocument) toEvent() (*outbox.Event, error) {
	payload, err := payloadFromBSON(doc.Payload)
	if err != nil {
		return nil, err
	}

	return &outbox.Event{
		ID:          doc.ID.Hex(),
		Type:        doc.Type,
		AggregateID: doc.AggregateID,
		Payload:     payload,
		CreatedAt:   doc.CreatedAt.UTC(),
		PublishedAt: utcPtr(doc.PublishedAt),
		Attempts:    doc.Attempts,
		LastError:   doc.LastError,
		LockedAt:    utcPtr(doc.LockedAt),
	}, nil
}

// toMillis drops precision BSON dates cannot hold, so a lockedAt read back
// from the store compares equal to the value that was written.
func toMillis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	utc := t.UTC()

	return &utc
}

func parseEventID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: event id %q: %w", outbox.ErrInvalidEvent, id, err)
	}

	return oid, nil
}
