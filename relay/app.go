package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/outbox-relay/relay/assert"
	"github.com/LerianStudio/outbox-relay/relay/errgroup"
	"github.com/LerianStudio/outbox-relay/relay/log"
)

var (
	// ErrLoggerNil is returned by RunWithError when no logger was configured.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method runs on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned for blank app names.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned for nil apps.
	ErrNilApp = errors.New("app is nil")
	// ErrDuplicateApp is returned when two apps share a name.
	ErrDuplicateApp = errors.New("app already registered")
	// ErrConfigFailed wraps errors collected while applying launcher options.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a long-running component driven by a Launcher: the dispatcher, the
// inbox subscriber, the retry sweep or the HTTP server.
type App interface {
	Run(launcher *Launcher) error
}

// AppFunc adapts a function to App.
type AppFunc func(launcher *Launcher) error

// Run calls f.
func (f AppFunc) Run(launcher *Launcher) error {
	return f(launcher)
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// WithContext sets the parent context apps observe for shutdown.
func WithContext(ctx context.Context) LauncherOption {
	return func(l *Launcher) {
		if ctx != nil {
			l.ctx = ctx
		}
	}
}

// RunApp registers an app. Registration errors surface from RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

type namedApp struct {
	name string
	app  App
}

// Launcher runs registered apps concurrently until all of them return.
// When one app fails the shared context is cancelled so the others drain.
type Launcher struct {
	Logger       log.Logger
	ctx          context.Context
	apps         []namedApp
	configErrors []error
}

// NewLauncher creates a Launcher.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{ctx: context.Background()}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Context returns the context apps must watch for shutdown.
func (l *Launcher) Context() context.Context {
	if l == nil || l.ctx == nil {
		return context.Background()
	}

	return l.ctx
}

// Add registers app under name.
func (l *Launcher) Add(name string, app App) error {
	if l == nil {
		return ErrNilLauncher
	}

	asserter := assert.New(context.Background(), l.Logger, "launcher", "add")

	if strings.TrimSpace(name) == "" {
		_ = asserter.Never(context.Background(), "app name must not be empty")

		return ErrEmptyApp
	}

	if app == nil {
		_ = asserter.Never(context.Background(), "app must not be nil", "app_name", name)

		return ErrNilApp
	}

	for _, existing := range l.apps {
		if existing.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateApp, name)
		}
	}

	l.apps = append(l.apps, namedApp{name: name, app: app})

	return nil
}

// RunWithError runs every app and returns the first app error.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	group, ctx := errgroup.WithContext(l.Context())
	group.SetLogger(l.Logger)

	parent := l.ctx
	l.ctx = ctx

	defer func() { l.ctx = parent }()

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(l.apps)))

	for _, entry := range l.apps {
		group.GoNamed("run_app_"+entry.name, func() error {
			l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", entry.name))

			if err := entry.app.Run(l); err != nil {
				l.Logger.Log(ctx, log.LevelError, "app error", log.String("app", entry.name), log.Err(err))

				return fmt.Errorf("app %s: %w", entry.name, err)
			}

			l.Logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", entry.name))

			return nil
		})
	}

	err := group.Wait()

	l.Logger.Log(context.Background(), log.LevelInfo, "launcher terminated")

	return err
}
