//go:build integration

package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/outbox-relay/relay/inbox"
	inboxpostgres "github.com/LerianStudio/outbox-relay/relay/inbox/postgres"
	"github.com/LerianStudio/outbox-relay/internal/testinfra"
	"github.com/LerianStudio/outbox-relay/relay/log"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
	outboxrabbitmq "github.com/LerianStudio/outbox-relay/relay/outbox/rabbitmq"
	libRabbitmq "github.com/LerianStudio/outbox-relay/relay/rabbitmq"
)

// TestIntegration_RedeliveryRunsHandlerOnce publishes the same event twice,
// as a relay crash between publish and mark would, and checks the handler
// ran once.
func TestIntegration_RedeliveryRunsHandlerOnce(t *testing.T) {
	ctx := context.Background()

	conn, err := libRabbitmq.Dial(ctx, libRabbitmq.Config{URL: testinfra.RabbitMQ(t), Logger: log.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	store, err := inboxpostgres.NewStore(testinfra.MigratedPostgres(t))
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []string
	)

	registry := inbox.NewHandlerRegistry()
	require.NoError(t, registry.Register("OrderCreated", func(_ context.Context, msg inbox.Message) error {
		mu.Lock()
		defer mu.Unlock()

		seen = append(seen, msg.MessageID)

		return nil
	}))

	consumer, err := inbox.NewConsumer(store, registry, log.NewNop(), nil)
	require.NoError(t, err)

	sub, err := NewSubscriber(ChannelSourceFrom(conn), consumer, libRabbitmq.QueueTopology{
		Exchange:   outboxrabbitmq.DefaultExchange,
		Queue:      "reservations-it",
		DeadLetter: true,
	}, WithPrefetch(4))
	require.NoError(t, err)

	errCh := make(chan error, 1)

	go func() { errCh <- sub.RunContext(ctx) }()

	confirmable, err := libRabbitmq.NewConfirmablePublisher(ctx, libRabbitmq.ChannelProviderFrom(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = confirmable.Close() })

	publisher, err := outboxrabbitmq.NewPublisher(confirmable, outboxrabbitmq.DefaultExchange)
	require.NoError(t, err)

	event := &outbox.Event{
		ID:          uuid.NewString(),
		Type:        "OrderCreated",
		AggregateID: uuid.NewString(),
		Payload:     json.RawMessage(`{"items":[{"sku":"A","qty":1}]}`),
		CreatedAt:   time.Now().UTC(),
		Attempts:    1,
	}

	// the subscriber declares and binds the queue before it starts consuming
	require.Eventually(t, func() bool {
		ch, err := conn.Channel(ctx)
		if err != nil {
			return false
		}

		defer func() { _ = ch.Close() }()

		queue, err := ch.QueueDeclarePassive("reservations-it", true, false, false, false, nil)

		return err == nil && queue.Consumers > 0
	}, 10*time.Second, 100*time.Millisecond)

	require.NoError(t, publisher.Publish(ctx, event))
	require.NoError(t, publisher.Publish(ctx, event))

	require.Eventually(t, func() bool {
		record, err := store.Get(ctx, event.ID)
		return err == nil && record.Status == inbox.StatusDone
	}, 10*time.Second, 50*time.Millisecond)

	// give the duplicate time to arrive and be acknowledged
	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{event.ID}, seen)
	mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, sub.Shutdown(shutdownCtx))
	require.NoError(t, <-errCh)
}
