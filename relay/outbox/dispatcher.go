package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

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
	"github.com/LerianStudio/outbox-relay/relay/security"
)

// Outcome is the result of one claim-publish-mark unit.
type Outcome int

const (
	// OutcomeIdle means nothing was claimable.
	OutcomeIdle Outcome = iota
	// OutcomePublished means the event was published and marked.
	OutcomePublished
	// OutcomeFailed means the publish failed and the failure was recorded.
	OutcomeFailed
	// OutcomeLeaseLost means the event was published but another dispatcher
	// had reclaimed it, so it may be published again.
	OutcomeLeaseLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomePublished:
		return "published"
	case OutcomeFailed:
		return "failed"
	case OutcomeLeaseLost:
		return "lease_lost"
	default:
		return "unknown"
	}
}

// Dispatcher moves events from the outbox to the bus.
type Dispatcher struct {
	repo         Repository
	publisher    Publisher
	logger       libLog.Logger
	tracer       trace.Tracer
	cfg          DispatcherConfig
	clock        func() time.Time
	nonRetryable RetryClassifier
	instanceID   string

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	runDone    chan struct{}

	metrics dispatcherMetrics
}

var _ relay.App = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	repo Repository,
	publisher Publisher,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	dispatcher := &Dispatcher{
		repo:       repo,
		publisher:  publisher,
		tracer:     tracer,
		cfg:        DefaultDispatcherConfig(),
		clock:      time.Now,
		instanceID: uuid.NewString(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()
	dispatcher.logger = logger.With(libLog.String("dispatcher_id", dispatcher.instanceID))

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the normalized configuration.
func (dispatcher *Dispatcher) Config() DispatcherConfig {
	return dispatcher.cfg
}

// Run runs the dispatcher under launcher until Stop or launcher shutdown.
func (dispatcher *Dispatcher) Run(launcher *relay.Launcher) error {
	return dispatcher.RunContext(launcher.Context(), launcher)
}

// RunContext starts cfg.Workers claim loops and blocks until Stop is called
// or ctx ends, then waits for the in-flight units to finish.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *relay.Launcher) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.publisher == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	if !dispatcher.registerRun() {
		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	stop := dispatcher.stopSignal()

	select {
	case <-stop:
		return nil
	default:
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	dispatcher.logger.Log(ctx, libLog.LevelInfo, "outbox dispatcher started",
		libLog.Int("workers", dispatcher.cfg.Workers),
		libLog.Duration("lease", dispatcher.cfg.Lease))

	if launcher != nil && launcher.Logger != nil {
		defer launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox dispatcher stopped")
	}

	var loops sync.WaitGroup

	loops.Add(dispatcher.cfg.Workers)

	for worker := range dispatcher.cfg.Workers {
		runtime.SafeGoWithContext(ctx, dispatcher.logger, "outbox", fmt.Sprintf("dispatcher_loop_%d", worker),
			runtime.KeepRunning, func(ctx context.Context) {
				defer loops.Done()

				dispatcher.loop(ctx, worker)
			})
	}

	select {
	case <-ctx.Done():
	case <-stop:
		cancel()
	}

	loops.Wait()

	return nil
}

func (dispatcher *Dispatcher) loop(ctx context.Context, worker int) {
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		outcome, err := dispatcher.dispatchUnit(ctx)

		var delay time.Duration

		switch {
		case err != nil || outcome == OutcomeFailed:
			delay = min(backoff.ExponentialWithJitter(dispatcher.cfg.FailureBackoff, consecutiveFailures),
				dispatcher.cfg.MaxFailureBackoff)
			consecutiveFailures++
		case outcome == OutcomeIdle:
			consecutiveFailures = 0
			delay = dispatcher.cfg.IdleInterval

			if worker == 0 {
				dispatcher.recordQueueDepth(ctx)
			}
		default:
			consecutiveFailures = 0

			continue
		}

		if backoff.WaitContext(ctx, delay) != nil {
			return
		}
	}
}

// dispatchUnit runs DispatchOnce on a context detached from shutdown so that
// a claimed record is always published and marked, or marked failed.
func (dispatcher *Dispatcher) dispatchUnit(ctx context.Context) (outcome Outcome, err error) {
	unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatcher.cfg.UnitTimeout)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(unitCtx, dispatcher.logger, recovered, "outbox", "dispatch_unit")

			outcome, err = OutcomeFailed, fmt.Errorf("dispatch unit panicked: %v", recovered)
		}
	}()

	return dispatcher.DispatchOnce(unitCtx)
}

// Stop stops claiming. Units already claimed run to completion. A stopped
// dispatcher does not start again.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		stop := dispatcher.stop
		dispatcher.runStateMu.Unlock()

		close(stop)
	})
}

// Shutdown stops claiming and waits for in-flight units or ctx.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := dispatcher.runDoneSignal()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce claims at most one event, publishes it and records the
// result. Store errors on claim are returned; publish failures are recorded
// on the event and reported as OutcomeFailed.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) (Outcome, error) {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.publisher == nil {
		return OutcomeIdle, ErrDispatcherRequired
	}

	start := dispatcher.clock()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch_once")
	defer span.End()

	event, err := dispatcher.repo.Claim(ctx, start, dispatcher.cfg.Lease)
	if errors.Is(err, ErrNoPendingEvents) {
		return OutcomeIdle, nil
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to claim outbox event", err)
		libLog.SafeError(dispatcher.logger, ctx, "outbox claim failed", err, runtime.IsProductionMode())

		return OutcomeIdle, fmt.Errorf("claim outbox event: %w", err)
	}

	if event == nil {
		return OutcomeIdle, nil
	}

	attrs := metric.WithAttributes(attribute.String(constant.AttrEventType, constant.SanitizeMetricLabel(event.Type)))

	defer func() {
		dispatcher.metrics.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	span.SetAttributes(
		attribute.String(constant.AttrMessagingMessageID, event.ID),
		attribute.String(constant.AttrEventType, event.Type),
		attribute.Int(constant.AttrEventAttempts, event.Attempts),
	)

	logger := dispatcher.logger.With(
		libLog.String("event_id", event.ID),
		libLog.String("event_type", event.Type),
		libLog.Int("attempts", event.Attempts),
	)

	if publishErr := dispatcher.publishWithRetry(ctx, event); publishErr != nil {
		return dispatcher.recordFailure(ctx, span, logger, event, publishErr, attrs)
	}

	if err := dispatcher.repo.MarkPublished(ctx, event, dispatcher.clock()); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			dispatcher.metrics.leaseLost.Add(ctx, 1, attrs)
			logger.Log(ctx, libLog.LevelWarn, "outbox event published after its lease was reclaimed; it may be published again")

			return OutcomeLeaseLost, nil
		}

		dispatcher.metrics.stateUpdateFails.Add(ctx, 1, attrs)
		libOpentelemetry.HandleSpanError(&span, "Failed to mark outbox event published", err)
		libLog.SafeError(logger, ctx, "outbox event published but not marked; it will be published again after the lease expires",
			err, runtime.IsProductionMode())

		return OutcomePublished, fmt.Errorf("mark outbox event published: %w", err)
	}

	dispatcher.metrics.published.Add(ctx, 1, attrs)
	logger.Log(ctx, libLog.LevelDebug, "outbox event published")

	return OutcomePublished, nil
}

func (dispatcher *Dispatcher) recordFailure(
	ctx context.Context,
	span trace.Span,
	logger libLog.Logger,
	event *Event,
	publishErr error,
	attrs metric.MeasurementOption,
) (Outcome, error) {
	dispatcher.metrics.failed.Add(ctx, 1, attrs)
	libOpentelemetry.HandleSpanError(&span, "Failed to publish outbox event", publishErr)

	errMsg := security.SanitizeError(publishErr)
	logger.Log(ctx, libLog.LevelWarn, "outbox publish failed", libLog.String("error", errMsg))

	if err := dispatcher.repo.MarkFailed(ctx, event, errMsg); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			dispatcher.metrics.leaseLost.Add(ctx, 1, attrs)
			logger.Log(ctx, libLog.LevelWarn, "outbox failure not recorded: lease was reclaimed")

			return OutcomeFailed, nil
		}

		libLog.SafeError(logger, ctx, "failed to record outbox publish failure", err, runtime.IsProductionMode())

		return OutcomeFailed, fmt.Errorf("mark outbox event failed: %w", err)
	}

	return OutcomeFailed, nil
}

func (dispatcher *Dispatcher) publishWithRetry(ctx context.Context, event *Event) error {
	maxAttempts := dispatcher.cfg.PublishMaxAttempts

	var lastErr error

	for attempt := range maxAttempts {
		err := dispatcher.publisher.Publish(ctx, event)
		if err == nil {
			return nil
		}

		lastErr = err

		if attempt == maxAttempts-1 || (dispatcher.nonRetryable != nil && dispatcher.nonRetryable(err)) {
			break
		}

		if waitErr := backoff.WaitContext(ctx, backoff.ExponentialWithJitter(dispatcher.cfg.PublishBackoff, attempt)); waitErr != nil {
			return fmt.Errorf("publish retry wait interrupted: %w (last error: %w)", waitErr, lastErr)
		}
	}

	if maxAttempts > 1 {
		return fmt.Errorf("publish failed after %d attempts: %w", maxAttempts, lastErr)
	}

	return lastErr
}

func (dispatcher *Dispatcher) recordQueueDepth(ctx context.Context) {
	depth, err := dispatcher.repo.PendingCount(ctx)
	if err != nil {
		dispatcher.logger.Log(ctx, libLog.LevelDebug, "outbox pending count unavailable", libLog.Err(err))

		return
	}

	dispatcher.metrics.queueDepth.Record(ctx, depth)
}

func (dispatcher *Dispatcher) stopSignal() <-chan struct{} {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	return dispatcher.stop
}

func (dispatcher *Dispatcher) registerRun() bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	dispatcher.running = true
	dispatcher.runDone = make(chan struct{})

	return true
}

// clearRun closes runDone once every loop has returned.
func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	close(dispatcher.runDone)
}

// runDoneSignal is nil until the first run starts.
func (dispatcher *Dispatcher) runDoneSignal() <-chan struct{} {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	return dispatcher.runDone
}
