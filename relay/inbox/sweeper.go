package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	relay "github.com/LerianStudio/outbox-relay/relay"
	"github.com/LerianStudio/outbox-relay/relay/backoff"
	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
)

// SweepResult is what one SweepOnce did.
type SweepResult int

const (
	// SweepIdle means nothing was retryable.
	SweepIdle SweepResult = iota
	// SweepRecovered means a retried handler succeeded.
	SweepRecovered
	// SweepFailed means a retried handler failed again.
	SweepFailed
)

func (r SweepResult) String() string {
	switch r {
	case SweepIdle:
		return "idle"
	case SweepRecovered:
		return "recovered"
	case SweepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sweeper retries failed and abandoned inbox records from their stored payload.
type Sweeper struct {
	processor
	logger libLog.Logger
	tracer trace.Tracer

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	runDone    chan struct{}
}

var _ relay.App = (*Sweeper)(nil)

// NewSweeper creates a Sweeper.
func NewSweeper(
	store Store,
	handlers *HandlerRegistry,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...Option,
) (*Sweeper, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if handlers == nil {
		return nil, ErrHandlersRequired
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	o := newOptions(opts)

	metrics, err := newInboxMetrics(o.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init inbox metrics: %w", err)
	}

	return &Sweeper{
		processor: processor{
			store:    store,
			handlers: handlers,
			cfg:      o.cfg,
			clock:    o.clock,
			metrics:  metrics,
		},
		logger: logger.With(libLog.String("sweeper_id", uuid.NewString())),
		tracer: tracer,
		stop:   make(chan struct{}),
	}, nil
}

// Config returns the normalized configuration.
func (s *Sweeper) Config() Config {
	return s.cfg
}

// Run sweeps until Stop or launcher shutdown.
func (s *Sweeper) Run(launcher *relay.Launcher) error {
	return s.RunContext(launcher.Context(), launcher)
}

// RunContext sweeps every SweepInterval until ctx ends or Stop is called.
func (s *Sweeper) RunContext(ctx context.Context, _ *relay.Launcher) error {
	if s == nil || s.store == nil {
		return ErrSweeperRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if !s.registerRun() {
		return ErrSweeperRunning
	}

	defer s.clearRun()

	select {
	case <-s.stop:
		return nil
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtime.SafeGo(s.logger, "inbox.sweeper_stop_watch", runtime.KeepRunning, func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	})

	s.logger.Log(ctx, libLog.LevelInfo, "inbox sweeper started",
		libLog.Duration("interval", s.cfg.SweepInterval),
		libLog.Duration("stale_after", s.cfg.StaleAfter),
		libLog.Int("max_attempts", s.cfg.MaxAttempts))

	for {
		s.sweep(ctx)

		if backoff.WaitContext(ctx, s.cfg.SweepInterval) != nil {
			s.logger.Log(context.Background(), libLog.LevelInfo, "inbox sweeper stopped")

			return nil
		}
	}
}

// sweep retries up to SweepBatch records.
func (s *Sweeper) sweep(ctx context.Context) {
	for range s.cfg.SweepBatch {
		if ctx.Err() != nil {
			return
		}

		result, err := s.SweepOnce(ctx)
		if err != nil {
			libLog.SafeError(s.logger, ctx, "inbox sweep failed", err, runtime.IsProductionMode())

			return
		}

		if result == SweepIdle {
			return
		}
	}
}

// SweepOnce claims one retryable record and re-runs its handler.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	if s == nil || s.store == nil {
		return SweepIdle, ErrSweeperRequired
	}

	ctx, span := s.tracer.Start(ctx, "inbox.sweep_once")
	defer span.End()

	record, err := s.store.ClaimRetry(ctx, s.clock(), s.cfg.StaleAfter, s.cfg.MaxAttempts)
	if errors.Is(err, ErrNoRetryableMessages) {
		return SweepIdle, nil
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to claim inbox record", err)

		return SweepIdle, fmt.Errorf("claim inbox record: %w", err)
	}

	span.SetAttributes(
		attribute.String(constant.AttrMessagingMessageID, record.MessageID),
		attribute.String(constant.AttrMessagingRoutingKey, record.RoutingKey),
		attribute.Int(constant.AttrEventAttempts, record.Attempts),
	)

	logger := s.logger.With(
		libLog.String("message_id", record.MessageID),
		libLog.String("routing_key", record.RoutingKey),
		libLog.Int("attempts", record.Attempts),
	)

	handler, ok := s.handlers.Lookup(record.RoutingKey)
	if !ok {
		handler = func(context.Context, Message) error {
			return fmt.Errorf("%w: %s", ErrNoHandler, record.RoutingKey)
		}
	}

	msg := Message{
		MessageID:  record.MessageID,
		RoutingKey: record.RoutingKey,
		Payload:    record.Payload,
		Attempt:    record.Attempts,
	}

	result := SweepRecovered

	if err := s.run(ctx, logger, handler, msg); err != nil {
		result = SweepFailed

		if record.Attempts >= s.cfg.MaxAttempts && !errors.Is(err, ErrAttemptSuperseded) {
			logger.Log(ctx, libLog.LevelError, "inbox message exhausted its retries; it stays failed")
		}
	} else {
		logger.Log(ctx, libLog.LevelInfo, "inbox message recovered by retry")
	}

	s.metrics.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result.String())))

	return result, nil
}

// Stop stops sweeping. A retry in flight runs to completion.
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}

	s.stopOnce.Do(func() { close(s.stop) })
}

// Shutdown stops sweeping and waits for the loop or ctx.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.Stop()

	done := s.runDoneSignal()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper shutdown: %w", ctx.Err())
	}
}

func (s *Sweeper) registerRun() bool {
	s.runStateMu.Lock()
	defer s.runStateMu.Unlock()

	if s.running {
		return false
	}

	s.running = true
	s.runDone = make(chan struct{})

	return true
}

func (s *Sweeper) clearRun() {
	s.runStateMu.Lock()
	defer s.runStateMu.Unlock()

	s.running = false
	close(s.runDone)
}

func (s *Sweeper) runDoneSignal() <-chan struct{} {
	s.runStateMu.Lock()
	defer s.runStateMu.Unlock()

	return s.runDone
}
