package bootstrap

import (
	"context"
	"time"

	"github.com/LerianStudio/outbox-relay/internal/orders"
	"github.com/LerianStudio/outbox-relay/relay/inbox"
	inboxrabbitmq "github.com/LerianStudio/outbox-relay/relay/inbox/rabbitmq"
	libHTTP "github.com/LerianStudio/outbox-relay/relay/net/http"
	libRabbitmq "github.com/LerianStudio/outbox-relay/relay/rabbitmq"
)

// InitConsumer wires the inbox subscriber and its retry sweeper around the
// reservation handlers.
func InitConsumer(ctx context.Context) (*Service, error) {
	return initConsumer(ctx, LoadConfig(ProcessConsumer))
}

func initConsumer(ctx context.Context, cfg Config) (*Service, error) {
	b, err := newBase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg, b.logger, b.manager)
	if err != nil {
		return nil, b.abort(ctx, err)
	}

	conn, err := dialRabbit(ctx, cfg, b.logger, b.manager)
	if err != nil {
		return nil, b.abort(ctx, err)
	}

	registry := inbox.NewHandlerRegistry()
	if err := orders.RegisterHandlers(registry, st.reservations, time.Now); err != nil {
		return nil, b.abort(ctx, err)
	}

	inboxOpts := []inbox.Option{
		inbox.WithSweepInterval(cfg.InboxSweepInterval),
		inbox.WithStaleAfter(cfg.InboxStaleAfter),
		inbox.WithMaxAttempts(cfg.InboxMaxAttempts),
	}

	consumer, err := inbox.NewConsumer(st.inbox, registry, b.logger, b.tracer, inboxOpts...)
	if err != nil {
		return nil, b.abort(ctx, err)
	}

	sweeper, err := inbox.NewSweeper(st.inbox, registry, b.logger, b.tracer, inboxOpts...)
	if err != nil {
		return nil, b.abort(ctx, err)
	}

	subscriber, err := inboxrabbitmq.NewSubscriber(inboxrabbitmq.ChannelSourceFrom(conn), consumer,
		libRabbitmq.QueueTopology{
			Exchange:      cfg.RabbitExchange,
			Queue:         cfg.QueueName,
			RoutingKeys:   cfg.RoutingKeys,
			DeadLetter:    true,
			DLQMessageTTL: cfg.DeadLetterTTL,
		},
		inboxrabbitmq.WithPrefetch(cfg.Prefetch),
		inboxrabbitmq.WithConsumerTag(cfg.OTelServiceName),
		inboxrabbitmq.WithLogger(b.logger),
	)
	if err != nil {
		return nil, b.abort(ctx, err)
	}

	// hooks run in reverse: the subscriber drains before the sweeper stops
	b.manager.OnShutdown("sweeper", sweeper.Shutdown)
	b.manager.OnShutdown("subscriber", subscriber.Shutdown)

	service := b.service()
	service.add("subscriber", subscriber)
	service.add("sweeper", sweeper)

	b.serveHealth(service,
		libHTTP.HealthCheck{Name: st.driver, Check: st.ping},
		libHTTP.HealthCheck{Name: "rabbitmq", Check: connectionCheck(conn)},
	)

	return service, nil
}
