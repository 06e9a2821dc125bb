//go:build unit

package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/outbox-relay/relay/circuitbreaker"
	"github.com/LerianStudio/outbox-relay/relay/log"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
)

type sent struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

type fakeBus struct {
	mu       sync.Mutex
	sent     []sent
	attempts int
	err      error
}

func (b *fakeBus) Publish(_ context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	if b.err != nil {
		return b.err
	}

	b.sent = append(b.sent, sent{exchange: exchange, routingKey: routingKey, msg: msg})

	return nil
}

func (b *fakeBus) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.attempts
}

func testEvent() *outbox.Event {
	return &outbox.Event{
		ID:          "65f0aa11bb22cc33dd44ee55",
		Type:        "OrderCreated",
		AggregateID: "o-1",
		Payload:     json.RawMessage(`{"orderId":"o-1","items":[{"sku":"A","qty":2}]}`),
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Attempts:    2,
	}
}

func TestNewPublisher_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(nil, DefaultExchange)
	require.ErrorIs(t, err, ErrBusRequired)

	var nilBus *fakeBus

	_, err = NewPublisher(nilBus, DefaultExchange)
	require.ErrorIs(t, err, ErrBusRequired)

	_, err = NewPublisher(&fakeBus{}, " ")
	require.ErrorIs(t, err, ErrExchangeRequired)
}

func TestPublish_BuildsEnvelopeMessage(t *testing.T) {
	t.Parallel()

	bus := &fakeBus{}

	publisher, err := NewPublisher(bus, DefaultExchange, WithAppID("orders-api"), WithLogger(log.NewNop()))
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(context.Background(), testEvent()))
	require.Len(t, bus.sent, 1)

	got := bus.sent[0]
	assert.Equal(t, DefaultExchange, got.exchange)
	assert.Equal(t, "OrderCreated", got.routingKey)
	assert.Equal(t, "65f0aa11bb22cc33dd44ee55", got.msg.MessageId)
	assert.Equal(t, uint8(amqp.Persistent), got.msg.DeliveryMode)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, "orders-api", got.msg.AppId)
	assert.Equal(t, "o-1", got.msg.Headers[HeaderAggregateID])
	assert.Equal(t, int32(2), got.msg.Headers[HeaderAttempts])
	require.NoError(t, got.msg.Headers.Validate())

	envelope, err := outbox.DecodeEnvelope(got.msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "OrderCreated", envelope.Type)
	assert.Equal(t, "65f0aa11bb22cc33dd44ee55", envelope.MessageID)
	assert.JSONEq(t, `{"orderId":"o-1","items":[{"sku":"A","qty":2}]}`, string(envelope.Payload))
}

func TestPublish_NilEvent(t *testing.T) {
	t.Parallel()

	publisher, err := NewPublisher(&fakeBus{}, DefaultExchange)
	require.NoError(t, err)
	require.ErrorIs(t, publisher.Publish(context.Background(), nil), outbox.ErrEventRequired)
}

func TestPublish_WrapsBusError(t *testing.T) {
	t.Parallel()

	nack := errors.New("message was nacked by broker")
	publisher, err := NewPublisher(&fakeBus{err: nack}, DefaultExchange)
	require.NoError(t, err)

	err = publisher.Publish(context.Background(), testEvent())
	require.ErrorIs(t, err, nack)
	assert.Contains(t, err.Error(), "OrderCreated")
	assert.False(t, IsBreakerRejection(err))
}

func TestPublish_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	bus := &fakeBus{err: errors.New("connection refused")}
	manager := circuitbreaker.NewManager(log.NewNop())

	publisher, err := NewPublisher(bus, DefaultExchange, WithCircuitBreaker(manager, ""))
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, manager.State(DefaultBreakerName))

	threshold := int(circuitbreaker.BrokerConfig().ConsecutiveFailures)

	for range threshold {
		err := publisher.Publish(context.Background(), testEvent())
		require.Error(t, err)
		assert.False(t, IsBreakerRejection(err))
	}

	assert.Equal(t, circuitbreaker.StateOpen, manager.State(DefaultBreakerName))
	assert.Equal(t, threshold, bus.calls())

	err = publisher.Publish(context.Background(), testEvent())
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.True(t, IsBreakerRejection(err))
	assert.Equal(t, threshold, bus.calls(), "an open breaker does not reach the broker")
}
