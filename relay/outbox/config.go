package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
)

const (
	defaultIdleInterval       = 500 * time.Millisecond
	defaultLease              = 30 * time.Second
	defaultFailureBackoff     = time.Second
	defaultMaxFailureBackoff  = 30 * time.Second
	defaultPublishMaxAttempts = 1
	defaultPublishBackoff     = 200 * time.Millisecond
	defaultWorkers            = 1
	defaultUnitTimeout        = 30 * time.Second
	maxWorkers                = 64
)

// DispatcherConfig controls polling, leasing and retry behavior.
type DispatcherConfig struct {
	// IdleInterval is the sleep after a pass that found nothing to claim.
	IdleInterval time.Duration
	// Lease is how long a claim excludes other dispatchers.
	Lease time.Duration
	// FailureBackoff is the base delay after a failed pass.
	FailureBackoff time.Duration
	// MaxFailureBackoff caps the delay after consecutive failures.
	MaxFailureBackoff time.Duration
	// PublishMaxAttempts is the number of publish tries within one pass.
	PublishMaxAttempts int
	// PublishBackoff is the base delay between tries within one pass.
	PublishBackoff time.Duration
	// Workers is the number of independent claim loops.
	Workers int
	// UnitTimeout bounds one claim-publish-mark unit.
	UnitTimeout time.Duration
	// MeterProvider overrides the global meter provider.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		IdleInterval:       defaultIdleInterval,
		Lease:              defaultLease,
		FailureBackoff:     defaultFailureBackoff,
		MaxFailureBackoff:  defaultMaxFailureBackoff,
		PublishMaxAttempts: defaultPublishMaxAttempts,
		PublishBackoff:     defaultPublishBackoff,
		Workers:            defaultWorkers,
		UnitTimeout:        defaultUnitTimeout,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaults.IdleInterval
	}

	if cfg.Lease <= 0 {
		cfg.Lease = defaults.Lease
	}

	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = defaults.FailureBackoff
	}

	if cfg.MaxFailureBackoff < cfg.FailureBackoff {
		cfg.MaxFailureBackoff = max(defaults.MaxFailureBackoff, cfg.FailureBackoff)
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}

	if cfg.Workers > maxWorkers {
		cfg.Workers = maxWorkers
	}

	// a unit must finish well inside its own lease
	if cfg.UnitTimeout <= 0 || cfg.UnitTimeout > cfg.Lease {
		cfg.UnitTimeout = cfg.Lease
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithConfig replaces the whole configuration; later options still apply.
func WithConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg = cfg
	}
}

// WithIdleInterval sets the sleep after an empty pass.
func WithIdleInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.IdleInterval = interval
		}
	}
}

// WithLease sets the claim lease.
func WithLease(lease time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if lease > 0 {
			dispatcher.cfg.Lease = lease
		}
	}
}

// WithFailureBackoff sets the base delay after a failed pass.
func WithFailureBackoff(delay time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if delay > 0 {
			dispatcher.cfg.FailureBackoff = delay
		}
	}
}

// WithMaxFailureBackoff caps the delay after consecutive failures.
func WithMaxFailureBackoff(delay time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if delay > 0 {
			dispatcher.cfg.MaxFailureBackoff = delay
		}
	}
}

// WithPublishMaxAttempts sets publish tries per pass.
func WithPublishMaxAttempts(attempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if attempts > 0 {
			dispatcher.cfg.PublishMaxAttempts = attempts
		}
	}
}

// WithPublishBackoff sets the delay between publish tries within a pass.
func WithPublishBackoff(delay time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if delay > 0 {
			dispatcher.cfg.PublishBackoff = delay
		}
	}
}

// WithWorkers sets the number of claim loops.
func WithWorkers(workers int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if workers > 0 {
			dispatcher.cfg.Workers = workers
		}
	}
}

// WithUnitTimeout bounds one claim-publish-mark unit.
func WithUnitTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.UnitTimeout = timeout
		}
	}
}

// WithMeterProvider injects a meter provider. Nil keeps the global one.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if clock != nil {
			dispatcher.clock = clock
		}
	}
}

// WithRetryClassifier stops in-pass retries for errors classifier accepts.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.nonRetryable = classifier
	}
}
