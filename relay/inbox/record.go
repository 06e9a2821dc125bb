package inbox

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the processing state of an inbox record.
type Status string

const (
	// StatusPending means the handler has not finished yet.
	StatusPending Status = "pending"
	// StatusDone is terminal.
	StatusDone Status = "done"
	// StatusFailed means the last handler run failed; the sweeper retries it.
	StatusFailed Status = "failed"
)

// Record is one received message, keyed by its message id.
type Record struct {
	MessageID   string          `json:"messageId"`
	RoutingKey  string          `json:"routingKey"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   *string         `json:"lastError,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// NewRecord returns the pending record written on first receipt.
func NewRecord(messageID, routingKey string, payload json.RawMessage, now time.Time) Record {
	now = now.UTC()

	return Record{
		MessageID:  messageID,
		RoutingKey: routingKey,
		Payload:    payload,
		ReceivedAt: now,
		Status:     StatusPending,
		Attempts:   1,
		UpdatedAt:  now,
	}
}

// Store persists inbox records. Implementations must make InsertIfAbsent
// atomic with a unique index or primary key on MessageID.
type Store interface {
	// InsertIfAbsent inserts record, or returns ErrDuplicate.
	InsertIfAbsent(ctx context.Context, record Record) error
	// Complete sets status done and processedAt and runs apply in the same
	// transaction, committing both or neither. The status update only
	// matches a pending record still on attempt; otherwise nothing is
	// applied and ErrAttemptSuperseded is returned. apply receives a
	// context bound to the transaction; the store may call it again when
	// the database asks for the transaction to be retried.
	Complete(ctx context.Context, messageID string, attempt int, processedAt time.Time, apply func(ctx context.Context) error) error
	// MarkFailed sets status failed and lastError on a pending record still
	// on attempt. A record that moved on is left untouched.
	MarkFailed(ctx context.Context, messageID string, attempt int, errMsg string, at time.Time) error
	// ClaimRetry atomically picks the oldest failed record with attempts
	// below maxAttempts, or the oldest pending record not updated since
	// now-staleAfter, sets it pending, bumps attempts and updatedAt, and
	// returns it. It returns ErrNoRetryableMessages when nothing matches.
	ClaimRetry(ctx context.Context, now time.Time, staleAfter time.Duration, maxAttempts int) (*Record, error)
}
