package inbox

import "errors"

var (
	// ErrDuplicate is returned by Store.InsertIfAbsent when the message id
	// is already recorded.
	ErrDuplicate = errors.New("inbox message already recorded")
	// ErrNoRetryableMessages is returned by Store.ClaimRetry when nothing matches.
	ErrNoRetryableMessages = errors.New("no retryable inbox messages")
	// ErrRecordNotFound is returned by lookups and marks for an unknown id.
	ErrRecordNotFound = errors.New("inbox record not found")
	// ErrAttemptSuperseded is returned by Store.Complete when the record is
	// no longer pending on the given attempt, because it finished or a
	// retry claimed it.
	ErrAttemptSuperseded = errors.New("inbox attempt superseded")

	ErrStoreRequired      = errors.New("inbox store is required")
	ErrHandlersRequired   = errors.New("inbox handler registry is required")
	ErrHandlerRequired    = errors.New("inbox handler is required")
	ErrRoutingKeyRequired = errors.New("routing key is required")
	ErrHandlerRegistered  = errors.New("handler already registered for routing key")
	ErrMessageIDRequired  = errors.New("message id is required")
	ErrNoHandler          = errors.New("no handler registered for routing key")
	ErrConsumerRequired   = errors.New("inbox consumer is required")
	ErrSweeperRequired    = errors.New("inbox sweeper is required")
	ErrSweeperRunning     = errors.New("inbox sweeper is already running")
)
