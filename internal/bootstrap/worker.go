package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/outbox-relay/relay/circuitbreaker"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libHTTP "github.com/LerianStudio/outbox-relay/relay/net/http"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
	outboxrabbitmq "github.com/LerianStudio/outbox-relay/relay/outbox/rabbitmq"
	libRabbitmq "github.com/LerianStudio/outbox-relay/relay/rabbitmq"
	"github.com/LerianStudio/outbox-relay/relay/server"
)

// InitWorker wires the outbox dispatcher publishing to RabbitMQ.
func InitWorker(ctx context.Context) (*Service, error) {
	return initWorker(ctx, LoadConfig(ProcessWorker))
}

func initWorker(ctx context.Context, cfg Config) (*Service, error) {
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

	if err := declareExchange(ctx, conn, cfg.RabbitExchange); err != nil {
		return nil, b.abort(ctx, err)
	}

	bus, err := libRabbitmq.NewConfirmablePublisher(ctx, libRabbitmq.ChannelProviderFrom(conn), libRabbitmq.WithLogger(b.logger))
	if err != nil {
		return nil, b.abort(ctx, fmt.Errorf("open confirming publisher: %w", err))
	}

	b.manager.OnShutdown("rabbitmq-publisher", func(context.Context) error { return bus.Close() })

	breakers := circuitbreaker.NewManager(b.logger)

	publisher, err := outboxrabbitmq.NewPublisher(bus, cfg.RabbitExchange,
		outboxrabbitmq.WithCircuitBreaker(breakers, outboxrabbitmq.DefaultBreakerName),
		outboxrabbitmq.WithAppID(cfg.OTelServiceName),
		outboxrabbitmq.WithLogger(b.logger),
	)
	if err != nil {
		return nil, b.abort(ctx, err)
	}

	dispatcher, err := outbox.NewDispatcher(st.events, publisher, b.logger, b.tracer,
		outbox.WithWorkers(cfg.DispatcherWorkers),
		outbox.WithIdleInterval(cfg.DispatchIdleInterval),
		outbox.WithLease(cfg.DispatchLease),
		outbox.WithPublishMaxAttempts(cfg.PublishMaxAttempts),
		outbox.WithRetryClassifier(outboxrabbitmq.IsBreakerRejection),
	)
	if err != nil {
		return nil, b.abort(ctx, err)
	}

	b.manager.OnShutdown("dispatcher", dispatcher.Shutdown)

	service := b.service()
	service.add("dispatcher", dispatcher)

	b.serveHealth(service,
		libHTTP.HealthCheck{Name: st.driver, Check: st.ping},
		libHTTP.HealthCheck{Name: "rabbitmq", Check: connectionCheck(conn)},
		libHTTP.HealthCheck{Name: "publisher-breaker", Check: breakerCheck(breakers, outboxrabbitmq.DefaultBreakerName)},
	)

	return service, nil
}

func dialRabbit(ctx context.Context, cfg Config, logger libLog.Logger, manager *server.Manager) (*libRabbitmq.Connection, error) {
	conn, err := libRabbitmq.Dial(ctx, libRabbitmq.Config{URL: cfg.RabbitURL, Logger: logger})
	if err != nil {
		return nil, err
	}

	manager.OnShutdown("rabbitmq", func(context.Context) error { return conn.Close() })

	return conn, nil
}

// declareExchange makes sure publishes have somewhere to go before the
// first consumer ever declared the exchange.
func declareExchange(ctx context.Context, conn *libRabbitmq.Connection, exchange string) error {
	ch, err := conn.Channel(ctx)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	defer func() { _ = ch.Close() }()

	return libRabbitmq.DeclareExchange(ch, exchange, libRabbitmq.ExchangeTypeTopic)
}

var (
	errRabbitDown  = errors.New("rabbitmq connection is down")
	errBreakerOpen = errors.New("circuit breaker is open")
)

func connectionCheck(conn *libRabbitmq.Connection) func(context.Context) error {
	return func(context.Context) error {
		if !conn.IsHealthy() {
			return errRabbitDown
		}

		return nil
	}
}

func breakerCheck(breakers *circuitbreaker.Manager, name string) func(context.Context) error {
	return func(context.Context) error {
		if !breakers.IsHealthy(name) {
			return fmt.Errorf("%w: %s is %s", errBreakerOpen, name, breakers.State(name))
		}

		return nil
	}
}
