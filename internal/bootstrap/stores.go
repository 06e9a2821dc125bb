package bootstrap

import (
	"context"
	"fmt"

	"github.com/LerianStudio/outbox-relay/internal/orders"
	ordersmongo "github.com/LerianStudio/outbox-relay/internal/orders/mongo"
	orderspostgres "github.com/LerianStudio/outbox-relay/internal/orders/postgres"
	"github.com/LerianStudio/outbox-relay/relay/inbox"
	inboxmongo "github.com/LerianStudio/outbox-relay/relay/inbox/mongo"
	inboxpostgres "github.com/LerianStudio/outbox-relay/relay/inbox/postgres"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libMongo "github.com/LerianStudio/outbox-relay/relay/mongo"
	"github.com/LerianStudio/outbox-relay/relay/outbox"
	outboxmongo "github.com/LerianStudio/outbox-relay/relay/outbox/mongo"
	outboxpostgres "github.com/LerianStudio/outbox-relay/relay/outbox/postgres"
	libPostgres "github.com/LerianStudio/outbox-relay/relay/postgres"
	"github.com/LerianStudio/outbox-relay/relay/server"
)

// eventStore is what the dispatcher and the stats endpoint need.
type eventStore interface {
	outbox.Repository
	outbox.StatsReader
}

// stores is every repository of one driver, sharing one connection.
type stores struct {
	driver       string
	events       eventStore
	orders       orders.Repository
	reservations orders.ReservationStore
	inbox        inbox.Store
	ping         func(ctx context.Context) error
}

// openStores connects the configured driver and registers its Close on
// manager.
func openStores(ctx context.Context, cfg Config, logger libLog.Logger, manager *server.Manager) (*stores, error) {
	switch cfg.StoreDriver {
	case DriverMongo:
		return openMongo(ctx, cfg, logger, manager)
	case DriverPostgres:
		return openPostgres(ctx, cfg, logger, manager)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.StoreDriver)
	}
}

func openMongo(ctx context.Context, cfg Config, logger libLog.Logger, manager *server.Manager) (*stores, error) {
	client, err := libMongo.NewClient(ctx, libMongo.Config{
		URI:      cfg.MongoURI,
		Database: cfg.DBName,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	manager.OnShutdown("mongo", client.Close)

	writer, err := outboxmongo.NewWriter(client, outboxmongo.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	events, err := outboxmongo.NewRepository(client, outboxmongo.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	inboxStore, err := inboxmongo.NewStore(client, inboxmongo.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	ordersRepo, err := ordersmongo.NewRepository(client, writer, ordersmongo.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	reservations, err := ordersmongo.NewReservationStore(client, ordersmongo.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	for name, ensure := range map[string]func(context.Context) error{
		"outbox": events.EnsureIndexes,
		"inbox":  inboxStore.EnsureIndexes,
		"orders": ordersRepo.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			return nil, fmt.Errorf("ensure %s indexes: %w", name, err)
		}
	}

	return &stores{
		driver:       DriverMongo,
		events:       events,
		orders:       ordersRepo,
		reservations: reservations,
		inbox:        inboxStore,
		ping:         client.Ping,
	}, nil
}

func openPostgres(ctx context.Context, cfg Config, logger libLog.Logger, manager *server.Manager) (*stores, error) {
	client, err := libPostgres.Connect(ctx, libPostgres.Config{
		PrimaryDSN:     cfg.PostgresPrimaryDSN,
		ReplicaDSN:     cfg.PostgresReplicaDSN,
		DatabaseName:   cfg.DBName,
		MigrationsPath: cfg.MigrationsPath,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	manager.OnShutdown("postgres", func(context.Context) error { return client.Close() })

	writer, err := outboxpostgres.NewWriter(client, outboxpostgres.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	events, err := outboxpostgres.NewRepository(client, outboxpostgres.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	if err := events.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("check outbox table: %w", err)
	}

	inboxStore, err := inboxpostgres.NewStore(client, inboxpostgres.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	ordersRepo, err := orderspostgres.NewRepository(client, writer, orderspostgres.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	reservations, err := orderspostgres.NewReservationStore(client, orderspostgres.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return &stores{
		driver:       DriverPostgres,
		events:       events,
		orders:       ordersRepo,
		reservations: reservations,
		inbox:        inboxStore,
		ping:         client.Ping,
	}, nil
}
