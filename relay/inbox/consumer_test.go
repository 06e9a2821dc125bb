//go:build unit

package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/outbox-relay/relay/log"
)

var (
	t0                        = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errReservationUnavailable = errors.New("reservation service unavailable at postgres://app:secret@db:5432/orders")
)

func newTestConsumer(t *testing.T, store Store, handlers *HandlerRegistry, opts ...Option) *Consumer {
	t.Helper()

	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)

	consumer, err := NewConsumer(store, handlers, log.NewNop(), nil, opts...)
	require.NoError(t, err)

	return consumer
}

func registryWith(t *testing.T, routingKey string, handler Handler) *HandlerRegistry {
	t.Helper()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register(routingKey, handler))

	return registry
}

func TestNewConsumer_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewConsumer(nil, NewHandlerRegistry(), nil, nil)
	require.ErrorIs(t, err, ErrStoreRequired)

	var nilStore *memStore

	_, err = NewConsumer(nilStore, NewHandlerRegistry(), nil, nil)
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewConsumer(newMemStore(), nil, nil, nil)
	require.ErrorIs(t, err, ErrHandlersRequired)
}

func TestConsumer_FirstDeliveryProcessed(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	handler := &countingHandler{}
	consumer := newTestConsumer(t, store, registryWith(t, "OrderCreated", handler.handle))

	delivery := newDelivery("m1", "OrderCreated", `{"orderId":"o1"}`)

	outcome := consumer.Handle(context.Background(), delivery)
	assert.Equal(t, OutcomeProcessed, outcome)

	acks, nacks, _ := delivery.settled()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)

	record, ok := store.get("m1")
	require.True(t, ok)
	assert.Equal(t, StatusDone, record.Status)
	assert.Equal(t, 1, record.Attempts)
	require.NotNil(t, record.ProcessedAt)
	assert.JSONEq(t, `{"orderId":"o1"}`, string(record.Payload))

	require.Len(t, handler.seen, 1)
	assert.Equal(t, "m1", handler.seen[0].MessageID)
	assert.Equal(t, 1, handler.seen[0].Attempt)
	assert.Equal(t, 1, handler.committed())
}

func TestConsumer_RedeliveryIsDuplicate(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	handler := &countingHandler{}
	consumer := newTestConsumer(t, store, registryWith(t, "OrderCreated", handler.handle))

	first := newDelivery("m1", "OrderCreated", `{"orderId":"o1"}`)
	second := newDelivery("m1", "OrderCreated", `{"orderId":"o1"}`)

	assert.Equal(t, OutcomeProcessed, consumer.Handle(context.Background(), first))
	assert.Equal(t, OutcomeDuplicate, consumer.Handle(context.Background(), second))

	acks, nacks, _ := second.settled()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
	assert.Equal(t, 1, handler.count())
	assert.Equal(t, 1, store.count())
}

func TestConsumer_ConcurrentDuplicatesRunHandlerOnce(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	handler := &countingHandler{}
	consumer := newTestConsumer(t, store, registryWith(t, "OrderCreated", handler.handle))

	const deliveries = 8

	outcomes := make([]Outcome, deliveries)

	var wg sync.WaitGroup

	for i := range deliveries {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcomes[i] = consumer.Handle(context.Background(), newDelivery("m1", "OrderCreated", `{}`))
		}()
	}

	wg.Wait()

	processed := 0

	for _, outcome := range outcomes {
		if outcome == OutcomeProcessed {
			processed++

			continue
		}

		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, handler.count())
}

func TestConsumer_RejectsUnprocessableDeliveries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		delivery *fakeDelivery
	}{
		{
			name:     "missing message id",
			delivery: newDelivery("  ", "OrderCreated", `{}`),
		},
		{
			name:     "body is not an envelope",
			delivery: &fakeDelivery{messageID: "m1", routingKey: "OrderCreated", body: []byte("not json")},
		},
		{
			name:     "envelope without payload",
			delivery: &fakeDelivery{messageID: "m1", routingKey: "OrderCreated", body: []byte(`{"type":"OrderCreated"}`)},
		},
		{
			name:     "no handler for routing key",
			delivery: newDelivery("m1", "OrderShipped", `{}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newMemStore()
			handler := &countingHandler{}
			consumer := newTestConsumer(t, store, registryWith(t, "OrderCreated", handler.handle))

			assert.Equal(t, OutcomeRejected, consumer.Handle(context.Background(), tt.delivery))

			acks, nacks, requeue := tt.delivery.settled()
			assert.Zero(t, acks)
			assert.Equal(t, 1, nacks)
			assert.False(t, requeue)
			assert.Zero(t, store.count())
			assert.Zero(t, handler.count())
		})
	}
}

func TestConsumer_RoutingKeyFallsBackToEnvelopeType(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	handler := &countingHandler{}
	consumer := newTestConsumer(t, store, registryWith(t, "OrderCreated", handler.handle))

	delivery := newDelivery("m1", "OrderCreated", `{}`)
	delivery.routingKey = ""

	assert.Equal(t, OutcomeProcessed, consumer.Handle(context.Background(), delivery))

	record, ok := store.get("m1")
	require.True(t, ok)
	assert.Equal(t, "OrderCreated", record.RoutingKey)
}

func TestConsumer_StoreUnavailableRequeues(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.insertErr = errors.New("connection refused")

	handler := &countingHandler{}
	consumer := newTestConsumer(t, store, registryWith(t, "OrderCreated", handler.handle))

	delivery := newDelivery("m1", "OrderCreated", `{}`)

	assert.Equal(t, OutcomeRequeued, consumer.Handle(context.Background(), delivery))

	acks, nacks, requeue := delivery.settled()
	assert.Zero(t, acks)
	assert.Equal(t, 1, nacks)
	assert.True(t, requeue)
	assert.Zero(t, handler.count())
}

func TestConsumer_HandlerFailureRecordedAndAcked(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	handler := &countingHandler{failures: 1}
	consumer := newTestConsumer(t, store, registryWith(t, "OrderCreated", handler.handle))

	delivery := newDelivery("m1", "OrderCreated", `{}`)

	assert.Equal(t, OutcomeFailed, consumer.Handle(context.Background(), delivery))

	acks, nacks, _ := delivery.settled()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)

	record, ok := store.get("m1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, record.Status)
	require.NotNil(t, record.LastError)
	assert.NotContains(t, *record.LastError, "secret")
	assert.Contains(t, *record.LastError, "reservation service unavailable")

	// the broker redelivering the same id is still a duplicate; only the
	// sweeper retries a failed record
	assert.Equal(t, OutcomeDuplicate, consumer.Handle(context.Background(), newDelivery("m1", "OrderCreated", `{}`)))
	assert.Equal(t, 1, handler.count())
}

func TestConsumer_HandlerPanicIsFailure(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	consumer := newTestConsumer(t, store, registryWith(t, "OrderCreated", func(context.Context, Message) error {
		panic("nil map write")
	}))

	delivery := newDelivery("m1", "OrderCreated", `{}`)

	assert.Equal(t, OutcomeFailed, consumer.Handle(context.Background(), delivery))

	record, ok := store.get("m1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, record.Status)
	require.NotNil(t, record.LastError)
	assert.Contains(t, *record.LastError, "panicked")
}

func TestConsumer_HandlerRunsPastCancelledDeliveryContext(t *testing.T) {
	t.Parallel()

	store := newMemStore()

	var handlerCtxErr error

	consumer := newTestConsumer(t, store, registryWith(t, "OrderCreated", func(ctx context.Context, _ Message) error {
		handlerCtxErr = ctx.Err()

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, OutcomeProcessed, consumer.Handle(ctx, newDelivery("m1", "OrderCreated", `{}`)))
	assert.NoError(t, handlerCtxErr)
}

func TestConsumer_HandlerTimeout(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	consumer := newTestConsumer(t, store, registryWith(t, "OrderCreated", func(ctx context.Context, _ Message) error {
		<-ctx.Done()

		return fmt.Errorf("reserve stock: %w", ctx.Err())
	}), WithHandlerTimeout(20*time.Millisecond))

	assert.Equal(t, OutcomeFailed, consumer.Handle(context.Background(), newDelivery("m1", "OrderCreated", `{}`)))

	record, ok := store.get("m1")
	require.True(t, ok)
	require.NotNil(t, record.LastError)
	assert.Contains(t, *record.LastError, "deadline exceeded")
}

func TestConsumer_UncommittedCompletionLeavesNothingApplied(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.markErr = errors.New("write concern timeout")

	handler := &countingHandler{}
	consumer := newTestConsumer(t, store, registryWith(t, "OrderCreated", handler.handle))

	delivery := newDelivery("m1", "OrderCreated", `{}`)

	assert.Equal(t, OutcomeFailed, consumer.Handle(context.Background(), delivery))

	acks, _, _ := delivery.settled()
	assert.Equal(t, 1, acks)

	record, ok := store.get("m1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, record.Status)
	assert.Equal(t, 1, handler.count())
	assert.Zero(t, handler.committed())
}

func TestOutcome_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "processed", OutcomeProcessed.String())
	assert.Equal(t, "duplicate", OutcomeDuplicate.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "rejected", OutcomeRejected.String())
	assert.Equal(t, "requeued", OutcomeRequeued.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
