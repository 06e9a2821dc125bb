//go:build unit

package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclareQueueTopology_WithDeadLetter(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}

	err := DeclareQueueTopology(ch, QueueTopology{
		Exchange:      "domain-events",
		Queue:         "orders-service",
		RoutingKeys:   []string{"OrderCreated", "OrderCancelled"},
		DeadLetter:    true,
		DLQMessageTTL: time.Hour,
	})
	require.NoError(t, err)

	names := make([]string, 0, len(ch.declared))
	for _, d := range ch.declared {
		names = append(names, d.kind+" "+d.name)
	}

	assert.Equal(t, []string{
		"exchange:topic domain-events",
		"exchange:fanout orders-service.dlx",
		"queue orders-service.dlq",
		"bind orders-service.dlq<-orders-service.dlx:",
		"queue orders-service",
		"bind orders-service<-domain-events:OrderCreated",
		"bind orders-service<-domain-events:OrderCancelled",
	}, names)

	assert.Equal(t, amqp.Table{"x-message-ttl": int64(3600000)}, ch.declared[2].args)
	assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "orders-service.dlx"}, ch.declared[4].args)
}

func TestDeclareQueueTopology_WithoutDeadLetter(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}

	require.NoError(t, DeclareQueueTopology(ch, QueueTopology{
		Exchange:    "domain-events",
		Queue:       "orders-service",
		RoutingKeys: []string{"OrderCreated"},
	}))

	require.Len(t, ch.declared, 3)
	assert.Nil(t, ch.declared[1].args)
}

func TestDeclareQueueTopology_Validation(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, DeclareQueueTopology(nil, QueueTopology{}), ErrChannelRequired)

	ch := &fakeTopologyChannel{}
	require.ErrorIs(t, DeclareQueueTopology(ch, QueueTopology{Queue: "q", RoutingKeys: []string{"k"}}), ErrEmptyExchange)
	require.ErrorIs(t, DeclareQueueTopology(ch, QueueTopology{Exchange: "x", RoutingKeys: []string{"k"}}), ErrEmptyQueue)
	require.ErrorIs(t, DeclareQueueTopology(ch, QueueTopology{Exchange: "x", Queue: "q"}), ErrNoRoutingKeys)
}

func TestDeclareQueueTopology_PropagatesFailures(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{failOn: "orders-service"}

	err := DeclareQueueTopology(ch, QueueTopology{
		Exchange:    "domain-events",
		Queue:       "orders-service",
		RoutingKeys: []string{"OrderCreated"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declare queue orders-service")
}

func TestDeclareExchange(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}

	require.NoError(t, DeclareExchange(ch, "domain-events", ""))
	require.ErrorIs(t, DeclareExchange(ch, " ", ""), ErrEmptyExchange)
	assert.Equal(t, "exchange:topic", ch.declared[0].kind)
}
