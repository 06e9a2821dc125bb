package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/LerianStudio/outbox-relay/relay"
	"github.com/LerianStudio/outbox-relay/relay/log"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
	"github.com/gofiber/fiber/v2"
)

// DefaultShutdownTimeout bounds the drain of in-flight HTTP requests.
const DefaultShutdownTimeout = 30 * time.Second

var (
	// ErrNoServersConfigured indicates Run was called before WithHTTPServer.
	ErrNoServersConfigured = errors.New("no servers configured: use WithHTTPServer()")
	// ErrNilManager is returned by methods called on a nil Manager.
	ErrNilManager = errors.New("server manager is nil")
)

type shutdownHook struct {
	name string
	fn   func(ctx context.Context) error
}

// Manager serves a fiber app as a relay.App and owns the ordered release of
// process resources. Run stops the server when the launcher context ends;
// Close runs the registered hooks afterwards.
type Manager struct {
	httpServer      *fiber.App
	httpAddress     string
	listener        net.Listener
	logger          log.Logger
	shutdownTimeout time.Duration

	hooksMu sync.Mutex
	hooks   []shutdownHook

	started     chan struct{}
	startedOnce sync.Once
	closeOnce   sync.Once
	closeErr    error
}

// NewManager creates a Manager. A nil logger is replaced by a no-op logger.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Manager{
		logger:          logger,
		shutdownTimeout: DefaultShutdownTimeout,
		started:         make(chan struct{}),
	}
}

// WithHTTPServer configures the fiber app and the address it listens on.
func (m *Manager) WithHTTPServer(app *fiber.App, address string) *Manager {
	m.httpServer = app
	m.httpAddress = address

	return m
}

// WithListener serves on an already bound listener instead of the address.
func (m *Manager) WithListener(ln net.Listener) *Manager {
	m.listener = ln

	return m
}

// WithShutdownTimeout configures how long Run waits for in-flight requests.
func (m *Manager) WithShutdownTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.shutdownTimeout = d
	}

	return m
}

// OnShutdown registers a release hook. Hooks run in reverse registration
// order, so register connections before the components built on them.
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) *Manager {
	if fn == nil {
		return m
	}

	m.hooksMu.Lock()
	m.hooks = append(m.hooks, shutdownHook{name: name, fn: fn})
	m.hooksMu.Unlock()

	return m
}

// Started is closed once the listener is bound.
func (m *Manager) Started() <-chan struct{} {
	return m.started
}

// Addr returns the bound address, or nil before Started is closed.
func (m *Manager) Addr() net.Addr {
	select {
	case <-m.started:
		return m.listener.Addr()
	default:
		return nil
	}
}

// Run binds the listener, serves until the launcher context is done and then
// drains in-flight requests for at most the shutdown timeout. A bind error
// is returned immediately so the launcher stops the process.
func (m *Manager) Run(launcher *relay.Launcher) error {
	if m == nil {
		return ErrNilManager
	}

	if m.httpServer == nil {
		return ErrNoServersConfigured
	}

	ctx := launcher.Context()

	if m.listener == nil {
		ln, err := net.Listen("tcp", m.httpAddress)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", m.httpAddress, err)
		}

		m.listener = ln
	}

	serveErr := make(chan error, 1)

	runtime.SafeGoWithContext(ctx, m.logger, "server", "serve_http", runtime.KeepRunning, func(context.Context) {
		serveErr <- m.httpServer.Listener(m.listener)
	})

	m.startedOnce.Do(func() { close(m.started) })

	m.logger.Log(ctx, log.LevelInfo, "http server listening", log.String("address", m.listener.Addr().String()))

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	m.logger.Log(context.Background(), log.LevelInfo, "shutting down http server", log.Duration("timeout", m.shutdownTimeout))

	if err := m.httpServer.ShutdownWithTimeout(m.shutdownTimeout); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	return nil
}

// Close runs the shutdown hooks in reverse order and syncs the logger. Every
// hook runs even when an earlier one fails; the failures are joined. Close
// is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return ErrNilManager
	}

	m.closeOnce.Do(func() {
		m.hooksMu.Lock()
		hooks := append([]shutdownHook(nil), m.hooks...)
		m.hooksMu.Unlock()

		var errs []error

		for i := len(hooks) - 1; i >= 0; i-- {
			hook := hooks[i]

			m.logger.Log(ctx, log.LevelInfo, "releasing resource", log.String("resource", hook.name))

			if err := hook.fn(ctx); err != nil {
				log.SafeError(m.logger, ctx, "release failed", err, runtime.IsProductionMode(), log.String("resource", hook.name))

				errs = append(errs, fmt.Errorf("shutdown %s: %w", hook.name, err))
			}
		}

		m.logger.Log(ctx, log.LevelInfo, "graceful shutdown completed")

		// stderr sync errors are noise on most platforms
		_ = m.logger.Sync(ctx)

		m.closeErr = errors.Join(errs...)
	})

	return m.closeErr
}
