package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxPayloadBytes caps the encoded payload of one event.
const MaxPayloadBytes = 1 << 20

// Status is derived from PublishedAt and LockedAt; it is never stored.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
)

// Event is one outbox record.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
	PublishedAt *time.Time      `json:"publishedAt,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   *string         `json:"lastError,omitempty"`
	LockedAt    *time.Time      `json:"lockedAt,omitempty"`
}

// Status reports where the event is in its lifecycle. A record whose lease
// expired still reports PROCESSING until it is claimed again.
func (e *Event) Status() Status {
	switch {
	case e.PublishedAt != nil:
		return StatusPublished
	case e.LockedAt != nil:
		return StatusProcessing
	default:
		return StatusPending
	}
}

// EventSpec is what a mutation asks the writer to record. An empty
// AggregateID is filled with the id returned by the mutation. Payload is
// encoded once the mutation returned, so a pointer the mutation fills in is
// recorded with its final value.
type EventSpec struct {
	Type        string
	AggregateID string
	Payload     any
}

// NewEvent validates spec and returns a pending event. The store assigns ID.
func NewEvent(_ context.Context, spec EventSpec, now time.Time) (*Event, error) {
	eventType := strings.TrimSpace(spec.Type)
	if eventType == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, ErrEventTypeRequired)
	}

	aggregateID := strings.TrimSpace(spec.AggregateID)
	if aggregateID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, ErrAggregateIDRequired)
	}

	payload, err := encodePayload(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	return &Event{
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		CreatedAt:   now.UTC(),
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte

	switch p := payload.(type) {
	case nil:
		raw = []byte("{}")
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPayloadNotJSON, err)
		}

		raw = encoded
	}

	if len(raw) == 0 {
		raw = []byte("{}")
	}

	if len(raw) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(raw) {
		return nil, ErrPayloadNotJSON
	}

	return json.RawMessage(raw), nil
}

// Submission is the result of a successful Writer.Submit.
type Submission struct {
	EntityID string
	Events   []*Event
}

// EventIDs returns the ids of the recorded events, in submission order.
func (s *Submission) EventIDs() []string {
	if s == nil {
		return nil
	}

	ids := make([]string, 0, len(s.Events))
	for _, event := range s.Events {
		ids = append(ids, event.ID)
	}

	return ids
}

// ValidateSpecs checks what can be checked before the mutation runs, so
// malformed input never opens a transaction. AggregateID may still be empty.
func ValidateSpecs(ctx context.Context, specs ...EventSpec) error {
	for _, spec := range specs {
		spec.AggregateID = BindAggregate(spec, "unbound").AggregateID

		if _, err := NewEvent(ctx, spec, time.Time{}); err != nil {
			return err
		}
	}

	return nil
}

// BindAggregate fills an empty AggregateID with entityID.
func BindAggregate(spec EventSpec, entityID string) EventSpec {
	if strings.TrimSpace(spec.AggregateID) == "" {
		spec.AggregateID = entityID
	}

	return spec
}
