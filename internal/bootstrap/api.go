package bootstrap

import (
	"context"

	"github.com/LerianStudio/outbox-relay/internal/orders"
	ordershttp "github.com/LerianStudio/outbox-relay/internal/orders/http"
	libHTTP "github.com/LerianStudio/outbox-relay/relay/net/http"
)

// InitAPI wires the HTTP API: order routes writing through the outbox.
func InitAPI(ctx context.Context) (*Service, error) {
	return initAPI(ctx, LoadConfig(ProcessAPI))
}

func initAPI(ctx context.Context, cfg Config) (*Service, error) {
	b, err := newBase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg, b.logger, b.manager)
	if err != nil {
		return nil, b.abort(ctx, err)
	}

	svc, err := orders.NewService(st.orders, st.events)
	if err != nil {
		return nil, b.abort(ctx, err)
	}

	handler, err := ordershttp.NewHandler(svc, st.reservations)
	if err != nil {
		return nil, b.abort(ctx, err)
	}

	app := ordershttp.NewRouter(ordershttp.RouterConfig{
		ServiceName:  cfg.Process,
		Handler:      handler,
		Logger:       b.logger,
		Tracer:       b.tracer,
		HealthChecks: []libHTTP.HealthCheck{{Name: st.driver, Check: st.ping}},
	})

	b.manager.WithHTTPServer(app, cfg.ServerAddress)

	service := b.service()
	service.add("http", b.manager)

	return service, nil
}
