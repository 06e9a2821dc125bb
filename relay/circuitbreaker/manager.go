package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/log"
)

var (
	// ErrOpen is returned while the breaker rejects calls.
	ErrOpen = errors.New("circuit breaker open")
	// ErrTooManyProbes is returned when half-open probes are exhausted.
	ErrTooManyProbes = errors.New("circuit breaker half-open: too many requests")
	// ErrUnknownBreaker is returned by Execute for a name never registered.
	ErrUnknownBreaker = errors.New("circuit breaker not registered")
)

// State is the breaker state.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// StateChangeListener is notified after every transition.
type StateChangeListener func(name string, from, to State)

// Manager owns named breakers.
type Manager struct {
	mu          sync.RWMutex
	breakers    map[string]*gobreaker.CircuitBreaker
	listeners   []StateChangeListener
	logger      log.Logger
	transitions metric.Int64Counter
}

// NewManager creates an empty Manager.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	transitions, err := otel.Meter(constant.MeterCircuitBreaker).Int64Counter(
		"circuitbreaker.state_changes",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		logger.Log(context.Background(), log.LevelWarn, "circuit breaker metrics disabled", log.Err(err))
	}

	return &Manager{
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		logger:      logger,
		transitions: transitions,
	}
}

// Register creates the breaker name when it does not exist yet.
func (m *Manager) Register(name string, config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[name]; exists {
		return
	}

	m.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.readyToTrip(counts.Requests, counts.TotalFailures, counts.ConsecutiveFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.handleStateChange(name, convertState(from), convertState(to))
		},
	})
}

// OnStateChange adds a listener.
func (m *Manager) OnStateChange(listener StateChangeListener) {
	if listener == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

// Execute runs fn through the breaker name.
func (m *Manager) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	m.mu.RLock()
	breaker, exists := m.breakers[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}

	_, err := breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return fmt.Errorf("%s: %w", name, ErrOpen)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s: %w", name, ErrTooManyProbes)
	default:
		return err
	}
}

// State returns the state of breaker name.
func (m *Manager) State(name string) State {
	m.mu.RLock()
	breaker, exists := m.breakers[name]
	m.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return convertState(breaker.State())
}

// IsHealthy reports whether breaker name is closed.
func (m *Manager) IsHealthy(name string) bool {
	return m.State(name) == StateClosed
}

func (m *Manager) handleStateChange(name string, from, to State) {
	level := log.LevelInfo
	if to == StateOpen {
		level = log.LevelError
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("breaker", name), log.String("from", string(from)), log.String("to", string(to)))

	if m.transitions != nil {
		m.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("breaker", constant.SanitizeMetricLabel(name)),
			attribute.String("to", string(to)),
		))
	}

	m.mu.RLock()
	listeners := append([]StateChangeListener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, listener := range listeners {
		listener(name, from, to)
	}
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
