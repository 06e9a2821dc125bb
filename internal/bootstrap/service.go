// Package bootstrap wires the api, worker and consumer processes: it reads
// the environment, opens the store and the broker once, builds the
// components and registers every Close on the shutdown manager.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	ordershttp "github.com/LerianStudio/outbox-relay/internal/orders/http"
	"github.com/LerianStudio/outbox-relay/relay"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libHTTP "github.com/LerianStudio/outbox-relay/relay/net/http"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
	"github.com/LerianStudio/outbox-relay/relay/server"
	libZap "github.com/LerianStudio/outbox-relay/relay/zap"
)

type namedApp struct {
	name string
	app  relay.App
}

// Service is one wired process, ready to run.
type Service struct {
	Config  Config
	Logger  libLog.Logger
	Manager *server.Manager
	apps    []namedApp
}

func (s *Service) add(name string, app relay.App) {
	s.apps = append(s.apps, namedApp{name: name, app: app})
}

// Run runs every app until ctx ends or one fails, then runs the shutdown
// hooks.
func (s *Service) Run(ctx context.Context) error {
	opts := []relay.LauncherOption{relay.WithLogger(s.Logger), relay.WithContext(ctx)}
	for _, entry := range s.apps {
		opts = append(opts, relay.RunApp(entry.name, entry.app))
	}

	runErr := relay.NewLauncher(opts...).RunWithError()

	closeCtx, cancel := context.WithTimeout(context.Background(), s.Config.ShutdownTimeout)
	defer cancel()

	return errors.Join(runErr, s.Manager.Close(closeCtx))
}

// base holds what every process builds first.
type base struct {
	cfg     Config
	logger  libLog.Logger
	tracer  trace.Tracer
	manager *server.Manager
}

func newBase(ctx context.Context, cfg Config) (*base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	zapCfg := libZap.Config{
		Environment:     libZap.Environment(cfg.EnvName),
		Level:           cfg.LogLevel,
		OTelLibraryName: cfg.OTelLibraryName,
		ServiceName:     cfg.OTelServiceName,
	}

	logger, err := libZap.New(zapCfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	runtime.SetProductionMode(zapCfg.IsProduction())

	telemetry, err := libOpentelemetry.InitializeTelemetry(ctx, &libOpentelemetry.TelemetryConfig{
		LibraryName:               cfg.OTelLibraryName,
		ServiceName:               cfg.OTelServiceName,
		ServiceVersion:            cfg.Version,
		DeploymentEnv:             cfg.EnvName,
		CollectorExporterEndpoint: cfg.OTLPEndpoint,
		EnableTelemetry:           cfg.EnableTelemetry,
		Logger:                    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	manager := server.NewManager(logger).
		WithShutdownTimeout(cfg.ShutdownTimeout).
		OnShutdown("telemetry", telemetry.Shutdown)

	logger.Log(ctx, libLog.LevelInfo, "bootstrapping",
		libLog.String("process", cfg.Process),
		libLog.String("store", cfg.StoreDriver),
	)

	return &base{cfg: cfg, logger: logger, tracer: telemetry.Tracer(), manager: manager}, nil
}

func (b *base) service() *Service {
	return &Service{Config: b.cfg, Logger: b.logger, Manager: b.manager}
}

// abort releases whatever was opened before a wiring failure.
func (b *base) abort(ctx context.Context, err error) error {
	if closeErr := b.manager.Close(ctx); closeErr != nil {
		return errors.Join(err, closeErr)
	}

	return err
}

// serveHealth mounts /health on HealthAddress for processes without an API.
func (b *base) serveHealth(svc *Service, checks ...libHTTP.HealthCheck) {
	if b.cfg.HealthAddress == "" {
		return
	}

	app := ordershttp.NewRouter(ordershttp.RouterConfig{
		ServiceName:  b.cfg.Process,
		Logger:       b.logger,
		Tracer:       b.tracer,
		HealthChecks: checks,
	})

	b.manager.WithHTTPServer(app, b.cfg.HealthAddress)
	svc.add("health", b.manager)
}
