package outbox

import (
	"context"
	"time"
)

// Repository is the dispatcher's view of the outbox store.
type Repository interface {
	// Claim atomically picks the oldest record with no publishedAt whose
	// lockedAt is absent or older than now-lease, sets lockedAt=now and
	// increments attempts. It returns ErrNoPendingEvents when nothing matches.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (*Event, error)
	// MarkPublished sets publishedAt and clears lockedAt and lastError.
	// It returns ErrLeaseLost if the record no longer carries claimed.LockedAt.
	MarkPublished(ctx context.Context, claimed *Event, publishedAt time.Time) error
	// MarkFailed records errMsg and clears lockedAt so the record is
	// claimable again. It returns ErrLeaseLost like MarkPublished.
	MarkFailed(ctx context.Context, claimed *Event, errMsg string) error
	// PendingCount counts records without publishedAt.
	PendingCount(ctx context.Context) (int64, error)
}

// StatsReader reports lifecycle counts.
type StatsReader interface {
	Stats(ctx context.Context) (Stats, error)
}

// Stats counts events per Status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Published  int64 `json:"published"`
}

// Publisher puts one event on the bus. It returns once the bus accepted it.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event *Event) error

// Publish calls fn.
func (fn PublisherFunc) Publish(ctx context.Context, event *Event) error {
	return fn(ctx, event)
}

// RetryClassifier marks publish errors that are not worth retrying within
// the same pass, e.g. an open circuit breaker.
type RetryClassifier func(err error) bool
