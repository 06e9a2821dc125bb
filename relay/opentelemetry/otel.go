package opentelemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"

	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/log"
)

var (
	// ErrNilTelemetryConfig is returned for a nil config.
	ErrNilTelemetryConfig = errors.New("telemetry config cannot be nil")
	// ErrNilTelemetryLogger is returned when the config has no logger.
	ErrNilTelemetryLogger = errors.New("telemetry config logger cannot be nil")
)

// TelemetryConfig describes the process being instrumented.
type TelemetryConfig struct {
	LibraryName               string
	ServiceName               string
	ServiceVersion            string
	DeploymentEnv             string
	CollectorExporterEndpoint string
	EnableTelemetry           bool
	Logger                    log.Logger
}

// Telemetry owns the providers installed as otel globals.
type Telemetry struct {
	TelemetryConfig
	TracerProvider *sdktrace.TracerProvider
	MetricProvider *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	shutdown       func(context.Context) error
}

func (cfg *TelemetryConfig) newResource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.DeploymentEnv),
		semconv.TelemetrySDKName(constant.TelemetrySDKName),
		semconv.TelemetrySDKLanguageGo,
	)
}

// Tracer returns a tracer scoped to the configured library name.
//
//nolint:ireturn
func (tl *Telemetry) Tracer() trace.Tracer {
	if tl == nil || tl.TracerProvider == nil {
		return otel.Tracer(constant.TelemetrySDKName)
	}

	return tl.TracerProvider.Tracer(tl.LibraryName)
}

// Shutdown flushes and stops every provider.
func (tl *Telemetry) Shutdown(ctx context.Context) error {
	if tl == nil || tl.shutdown == nil {
		return nil
	}

	return tl.shutdown(ctx)
}

// InitializeTelemetry builds OTLP/gRPC exporters and installs the providers
// and the W3C propagator as otel globals. With EnableTelemetry false, local
// providers without exporters are returned and nothing leaves the process.
func InitializeTelemetry(ctx context.Context, cfg *TelemetryConfig) (*Telemetry, error) {
	if cfg == nil {
		return nil, ErrNilTelemetryConfig
	}

	if cfg.Logger == nil {
		return nil, ErrNilTelemetryLogger
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if !cfg.EnableTelemetry {
		cfg.Logger.Log(ctx, log.LevelWarn, "telemetry turned off")

		tp := sdktrace.NewTracerProvider()
		mp := sdkmetric.NewMeterProvider()
		lp := sdklog.NewLoggerProvider()

		return &Telemetry{
			TelemetryConfig: *cfg,
			TracerProvider:  tp,
			MetricProvider:  mp,
			LoggerProvider:  lp,
			shutdown: func(ctx context.Context) error {
				return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
			},
		}, nil
	}

	cfg.Logger.Log(ctx, log.LevelInfo, "initializing telemetry", log.String("endpoint", cfg.CollectorExporterEndpoint))

	res := cfg.newResource()

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize metric exporter: %w", err)
	}

	logExporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlploggrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize logger exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter), sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	lp := sdklog.NewLoggerProvider(sdklog.WithResource(res), sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	cfg.Logger.Log(ctx, log.LevelInfo, "telemetry initialized")

	return &Telemetry{
		TelemetryConfig: *cfg,
		TracerProvider:  tp,
		MetricProvider:  mp,
		LoggerProvider:  lp,
		shutdown: func(ctx context.Context) error {
			return errors.Join(
				mp.Shutdown(ctx),
				tp.Shutdown(ctx),
				lp.Shutdown(ctx),
			)
		},
	}, nil
}
