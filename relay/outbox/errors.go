package outbox

import "errors"

var (
	// ErrNotFound is a failed mutation precondition. It is never retried.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is a mutation rejected by the entity's current state.
	ErrConflict = errors.New("entity state conflict")
	// ErrStoreUnavailable wraps transient store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidEvent wraps event validation failures.
	ErrInvalidEvent = errors.New("invalid outbox event")

	// ErrNoPendingEvents is returned by Repository.Claim when nothing is claimable.
	ErrNoPendingEvents = errors.New("no pending outbox events")
	// ErrLeaseLost is returned by a mark whose claim was taken over after its lease expired.
	ErrLeaseLost = errors.New("outbox claim lease lost")

	ErrEventRequired       = errors.New("outbox event is required")
	ErrMutationRequired    = errors.New("mutation is required")
	ErrRepositoryRequired  = errors.New("outbox repository is required")
	ErrPublisherRequired   = errors.New("outbox publisher is required")
	ErrDispatcherRequired  = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning   = errors.New("outbox dispatcher is already running")
	ErrEventTypeRequired   = errors.New("event type is required")
	ErrAggregateIDRequired = errors.New("aggregate id is required")
	ErrPayloadTooLarge     = errors.New("outbox event payload exceeds maximum allowed size")
	ErrPayloadNotJSON      = errors.New("outbox event payload must be valid JSON")
	ErrMalformedEnvelope   = errors.New("malformed event envelope")
)
