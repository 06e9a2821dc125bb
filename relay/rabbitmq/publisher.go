package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/relay/log"
)

// Publisher confirm errors.
var (
	ErrProviderRequired       = errors.New("channel provider is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrChannelClosed          = errors.New("channel closed while waiting for confirmation")
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker ack.
	DefaultConfirmTimeout = 5 * time.Second

	confirmChannelBuffer = 256
)

// ConfirmableChannel is the subset of *amqp.Channel used for confirmed publishing.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider hands out a fresh, dedicated channel.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

// ChannelProviderFrom opens channels on conn.
func ChannelProviderFrom(conn *Connection) ChannelProvider {
	return func(ctx context.Context) (ConfirmableChannel, error) {
		return conn.Channel(ctx)
	}
}

// ConfirmablePublisher publishes one message at a time and waits for the
// broker to confirm it. A publish only counts as done once the broker acked
// it, which is what lets the outbox mark a record as published.
//
// A channel that closes, or whose confirm stream can no longer be trusted,
// is discarded and replaced through the provider on the next Publish.
type ConfirmablePublisher struct {
	mu             sync.Mutex
	provider       ChannelProvider
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	closeNotify    chan *amqp.Error
	confirmTimeout time.Duration
	logger         log.Logger
	closed         bool
}

// PublisherOption configures a ConfirmablePublisher.
type PublisherOption func(*ConfirmablePublisher)

// WithLogger sets the publisher logger.
func WithLogger(logger log.Logger) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if !nilcheck.Interface(logger) {
			pub.logger = logger
		}
	}
}

// WithConfirmTimeout overrides DefaultConfirmTimeout. Non-positive values are ignored.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// NewConfirmablePublisher opens a channel in confirm mode.
func NewConfirmablePublisher(ctx context.Context, provider ChannelProvider, opts ...PublisherOption) (*ConfirmablePublisher, error) {
	if provider == nil {
		return nil, ErrProviderRequired
	}

	pub := &ConfirmablePublisher{
		provider:       provider,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if err := pub.openLocked(ctx); err != nil {
		return nil, err
	}

	return pub, nil
}

func (pub *ConfirmablePublisher) openLocked(ctx context.Context) error {
	ch, err := pub.provider(ctx)
	if err != nil {
		return err
	}

	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()

		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	pub.ch = ch
	pub.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	pub.closeNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	return nil
}

func (pub *ConfirmablePublisher) channelAliveLocked() bool {
	if pub.ch == nil {
		return false
	}

	select {
	case amqpErr, ok := <-pub.closeNotify:
		if ok || amqpErr != nil {
			pub.logger.Log(context.Background(), log.LevelWarn, "publisher channel closed by broker", log.Any("reason", amqpErr))
		}

		pub.ch = nil

		return false
	default:
		return true
	}
}

func (pub *ConfirmablePublisher) invalidateLocked() {
	if pub.ch == nil {
		return
	}

	if err := pub.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		pub.logger.Log(context.Background(), log.LevelWarn, "failed to close publisher channel", log.Err(err))
	}

	pub.ch = nil
}

// Publish sends msg and blocks until the broker confirms it. A nack, a
// timeout or a closed channel is returned as an error.
func (pub *ConfirmablePublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if pub == nil {
		return ErrPublisherClosed
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.closed {
		return ErrPublisherClosed
	}

	if !pub.channelAliveLocked() {
		if err := pub.openLocked(ctx); err != nil {
			return fmt.Errorf("reopen publisher channel: %w", err)
		}
	}

	if err := pub.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		pub.invalidateLocked()

		return fmt.Errorf("publish: %w", err)
	}

	err := waitForConfirm(ctx, pub.confirms, pub.closeNotify, pub.confirmTimeout)
	if err != nil && confirmStreamCorrupted(err) {
		// a late confirm would be read as the answer to the next publish
		pub.invalidateLocked()
	}

	return err
}

// Close closes the channel. Further publishes fail with ErrPublisherClosed.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return nil
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.closed {
		return nil
	}

	pub.closed = true

	if pub.ch == nil {
		return nil
	}

	err := pub.ch.Close()
	pub.ch = nil

	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}

	return nil
}

func confirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, closed <-chan *amqp.Error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrChannelClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-closed:
		return ErrChannelClosed
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}
