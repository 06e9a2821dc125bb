package inbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
)

const (
	defaultHandlerTimeout = 30 * time.Second
	defaultSweepInterval  = 5 * time.Second
	defaultStaleAfter     = time.Minute
	defaultMaxAttempts    = 5
	defaultSweepBatch     = 100
)

// Config controls handler execution and the retry sweep.
type Config struct {
	// HandlerTimeout bounds one handler run.
	HandlerTimeout time.Duration
	// SweepInterval is the pause between sweeps.
	SweepInterval time.Duration
	// StaleAfter is how long a pending record may go untouched before the
	// sweeper assumes its consumer died. Never below HandlerTimeout.
	StaleAfter time.Duration
	// MaxAttempts caps handler runs per message, first delivery included.
	MaxAttempts int
	// SweepBatch caps retries per sweep.
	SweepBatch int
	// MeterProvider overrides the global meter provider.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		HandlerTimeout: defaultHandlerTimeout,
		SweepInterval:  defaultSweepInterval,
		StaleAfter:     defaultStaleAfter,
		MaxAttempts:    defaultMaxAttempts,
		SweepBatch:     defaultSweepBatch,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaults.HandlerTimeout
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}

	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}

	// a record whose handler is still running must not look stale
	if cfg.StaleAfter < cfg.HandlerTimeout {
		cfg.StaleAfter = cfg.HandlerTimeout
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = defaults.SweepBatch
	}
}

type options struct {
	cfg   Config
	clock func() time.Time
}

// Option configures a Consumer or a Sweeper.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{cfg: DefaultConfig(), clock: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	o.cfg.normalize()

	return o
}

// WithConfig replaces the whole configuration; later options still apply.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithHandlerTimeout bounds one handler run.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.cfg.HandlerTimeout = timeout
		}
	}
}

// WithSweepInterval sets the pause between sweeps.
func WithSweepInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.cfg.SweepInterval = interval
		}
	}
}

// WithStaleAfter sets when an untouched pending record is reclaimed.
func WithStaleAfter(staleAfter time.Duration) Option {
	return func(o *options) {
		if staleAfter > 0 {
			o.cfg.StaleAfter = staleAfter
		}
	}
}

// WithMaxAttempts caps handler runs per message.
func WithMaxAttempts(attempts int) Option {
	return func(o *options) {
		if attempts > 0 {
			o.cfg.MaxAttempts = attempts
		}
	}
}

// WithMeterProvider injects a meter provider. Nil keeps the global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) {
		if nilcheck.Interface(provider) {
			o.cfg.MeterProvider = nil

			return
		}

		o.cfg.MeterProvider = provider
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}
