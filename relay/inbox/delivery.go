package inbox

// Delivery is one message received from the bus.
type Delivery interface {
	MessageID() string
	RoutingKey() string
	Body() []byte
	Headers() map[string]any
	Ack() error
	Nack(requeue bool) error
}

// Outcome is what Consumer.Handle did with a delivery.
type Outcome int

const (
	// OutcomeProcessed means first receipt, handler succeeded, acked.
	OutcomeProcessed Outcome = iota
	// OutcomeDuplicate means the id was already recorded; acked, no effect.
	OutcomeDuplicate
	// OutcomeFailed means the handler failed; the failure is recorded for
	// the sweeper and the delivery is acked.
	OutcomeFailed
	// OutcomeRejected means the delivery can never be processed; nacked
	// without requeue so a dead-letter exchange keeps it.
	OutcomeRejected
	// OutcomeRequeued means the inbox could not be written; nacked with requeue.
	OutcomeRequeued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeFailed:
		return "failed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeRequeued:
		return "requeued"
	default:
		return "unknown"
	}
}
