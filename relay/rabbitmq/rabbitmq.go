package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/LerianStudio/outbox-relay/relay/backoff"
	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
)

const (
	defaultHeartbeat = 10 * time.Second
	tracerName       = "relay.rabbitmq"
)

var (
	// ErrNilConnection is returned when a method runs on a nil *Connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")
	// ErrEmptyURL is returned when no AMQP url is configured.
	ErrEmptyURL = errors.New("rabbitmq url cannot be empty")
	// ErrConnectionClosed is returned after Close.
	ErrConnectionClosed = errors.New("rabbitmq connection is closed")

	userInfoPattern = regexp.MustCompile(`://[^@\s/]+@`)
)

// Config describes the broker connection.
type Config struct {
	URL       string
	Heartbeat time.Duration
	// Reconnect is the schedule used when a dropped connection is redialed.
	Reconnect backoff.Policy
	Logger    log.Logger
}

func (cfg Config) normalize() Config {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect = backoff.Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: true}
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	return cfg
}

// Dialer opens an AMQP connection. Tests replace it.
type Dialer func(url string, config amqp.Config) (*amqp.Connection, error)

// Connection owns one AMQP connection and redials it lazily once the broker
// drops it. Channels are opened per user: the publisher and each subscriber
// get their own.
type Connection struct {
	mu       sync.Mutex
	cfg      Config
	dial     Dialer
	conn     *amqp.Connection
	closed   bool
	attempts int
	failures metric.Int64Counter
}

// Dial connects to the broker.
func Dial(ctx context.Context, cfg Config) (*Connection, error) {
	return DialWith(ctx, cfg, amqp.DialConfig)
}

// DialWith connects using dial.
func DialWith(ctx context.Context, cfg Config, dial Dialer) (*Connection, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrEmptyURL
	}

	cfg = cfg.normalize()

	failures, err := otel.Meter(tracerName).Int64Counter("rabbitmq.connection.failures",
		metric.WithDescription("Failed AMQP connection attempts"))
	if err != nil {
		cfg.Logger.Log(ctx, log.LevelWarn, "rabbitmq metrics disabled", log.Err(err))
	}

	c := &Connection{cfg: cfg, dial: dial, failures: failures}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Connection) connectLocked(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrMessagingSystem, constant.DBSystemRabbitMQ))

	conn, err := c.dial(c.cfg.URL, amqp.Config{Heartbeat: c.cfg.Heartbeat, Locale: "en_US"})
	if err != nil {
		c.attempts++

		if c.failures != nil {
			c.failures.Add(ctx, 1)
		}

		sanitized := errors.New(SanitizeURLError(err, c.cfg.URL))
		libOpentelemetry.HandleSpanError(&span, "Failed to connect to rabbitmq", sanitized)

		return fmt.Errorf("connect to rabbitmq: %w", sanitized)
	}

	c.conn = conn
	c.attempts = 0

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to rabbitmq", log.String("host", redactURL(c.cfg.URL)))

	return nil
}

// Channel opens a fresh channel, redialing first when the connection is
// gone. Redials are spaced by the Reconnect policy.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	if c.conn == nil || c.conn.IsClosed() {
		if c.attempts > 0 {
			if err := backoff.WaitContext(ctx, c.cfg.Reconnect.Delay(c.attempts-1)); err != nil {
				return nil, err
			}
		}

		c.cfg.Logger.Log(ctx, log.LevelWarn, "rabbitmq connection lost, redialing", log.Int("attempt", c.attempts+1))

		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return ch, nil
}

// IsHealthy reports whether the connection is open.
func (c *Connection) IsHealthy() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}

// Close closes the connection and every channel on it.
func (c *Connection) Close() error {
	if c == nil {
		return ErrNilConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}

	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}

	c.cfg.Logger.Log(context.Background(), log.LevelInfo, "rabbitmq connection closed")

	return nil
}

// SanitizeURLError renders err with the credentials of rawURL removed.
func SanitizeURLError(err error, rawURL string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	if parsed, parseErr := url.Parse(rawURL); parseErr == nil && parsed.User != nil {
		if password, ok := parsed.User.Password(); ok && password != "" {
			msg = strings.ReplaceAll(msg, password, "***")
		}
	}

	return userInfoPattern.ReplaceAllString(msg, "://***@")
}

func redactURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid>"
	}

	return parsed.Host
}
