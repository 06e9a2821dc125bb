package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
	"github.com/LerianStudio/outbox-relay/relay/security"
)

// processor runs handlers and records their result. Consumer and Sweeper
// share it so first deliveries and retries behave the same way.
type processor struct {
	store    Store
	handlers *HandlerRegistry
	cfg      Config
	clock    func() time.Time
	metrics  inboxMetrics
}

// run executes handler on a context detached from shutdown inside
// Store.Complete, so its writes and the done status commit together. When
// that fails the attempt is marked failed and the error returned. A failed
// status write is logged and otherwise ignored: the record stays pending
// with nothing applied, and the sweeper reclaims it once stale.
func (p *processor) run(ctx context.Context, logger libLog.Logger, handler Handler, msg Message) error {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()

	var handlerErr error

	err := p.store.Complete(runCtx, msg.MessageID, msg.Attempt, p.clock(), func(txCtx context.Context) error {
		handlerErr = callHandler(txCtx, logger, handler, msg)

		return handlerErr
	})

	p.metrics.duration.Record(runCtx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("routing_key", msg.RoutingKey)))

	if err == nil {
		return nil
	}

	if errors.Is(err, ErrAttemptSuperseded) {
		logger.Log(runCtx, libLog.LevelWarn, "inbox attempt superseded; result discarded", libLog.Int("attempt", msg.Attempt))

		return err
	}

	if handlerErr == nil {
		// the handler succeeded but the transaction did not commit
		handlerErr = err
	}

	errMsg := security.SanitizeError(handlerErr)
	logger.Log(runCtx, libLog.LevelWarn, "inbox handler failed", libLog.String("error", errMsg))

	// a timed out handler leaves runCtx expired
	markCtx, cancelMark := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.HandlerTimeout)
	defer cancelMark()

	if err := p.store.MarkFailed(markCtx, msg.MessageID, msg.Attempt, errMsg, p.clock()); err != nil {
		libLog.SafeError(logger, markCtx, "failed to record inbox handler failure", err, runtime.IsProductionMode())
	}

	return handlerErr
}

func callHandler(ctx context.Context, logger libLog.Logger, handler Handler, msg Message) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, logger, recovered, "inbox", "handler")

			err = fmt.Errorf("handler panicked: %v", recovered)
		}
	}()

	return handler(ctx, msg)
}
