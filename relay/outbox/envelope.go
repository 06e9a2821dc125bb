package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is the message body put on the bus.
type Envelope struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId"`
	Payload   json.RawMessage `json:"payload"`
}

// EnvelopeFor wraps event for publishing.
func EnvelopeFor(event *Event) Envelope {
	return Envelope{Type: event.Type, MessageID: event.ID, Payload: event.Payload}
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses body. A body that is not a JSON object with a type
// and a payload is ErrMalformedEnvelope.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var envelope Envelope

	if err := json.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	if strings.TrimSpace(envelope.Type) == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	if len(envelope.Payload) == 0 || string(envelope.Payload) == "null" {
		return Envelope{}, fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}

	return envelope, nil
}
