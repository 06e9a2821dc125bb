package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	relay "github.com/LerianStudio/outbox-relay/relay"
	"github.com/LerianStudio/outbox-relay/relay/backoff"
	"github.com/LerianStudio/outbox-relay/relay/errgroup"
	"github.com/LerianStudio/outbox-relay/relay/inbox"
	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libRabbitmq "github.com/LerianStudio/outbox-relay/relay/rabbitmq"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
)

const (
	// DefaultPrefetch is the per-channel unacked delivery limit.
	DefaultPrefetch = 16
	maxPrefetch     = 1024
)

var (
	// ErrSourceRequired is returned when no channel source is given.
	ErrSourceRequired = errors.New("channel source is required")
	// ErrSubscriberRunning is returned by a second concurrent Run.
	ErrSubscriberRunning = errors.New("subscriber is already running")
	// ErrDeliveriesClosed is returned when the broker closed the delivery stream.
	ErrDeliveriesClosed = errors.New("delivery channel closed")
)

// ConsumeChannel is the subset of *amqp.Channel a Subscriber uses.
type ConsumeChannel interface {
	libRabbitmq.AMQPChannel
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// ChannelSource opens a fresh channel for one subscription.
type ChannelSource func(ctx context.Context) (ConsumeChannel, error)

// ChannelSourceFrom opens channels on conn, which redials on demand.
func ChannelSourceFrom(conn *libRabbitmq.Connection) ChannelSource {
	return func(ctx context.Context) (ConsumeChannel, error) {
		return conn.Channel(ctx)
	}
}

// Subscriber consumes one queue with Prefetch concurrent workers.
type Subscriber struct {
	source    ChannelSource
	consumer  *inbox.Consumer
	topology  libRabbitmq.QueueTopology
	prefetch  int
	tag       string
	reconnect backoff.Policy
	logger    libLog.Logger

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	runDone    chan struct{}
}

var _ relay.App = (*Subscriber)(nil)

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithPrefetch sets the prefetch count, which is also the worker count.
func WithPrefetch(prefetch int) SubscriberOption {
	return func(s *Subscriber) {
		if prefetch > 0 {
			s.prefetch = min(prefetch, maxPrefetch)
		}
	}
}

// WithConsumerTag names the AMQP consumer.
func WithConsumerTag(tag string) SubscriberOption {
	return func(s *Subscriber) {
		s.tag = strings.TrimSpace(tag)
	}
}

// WithReconnectPolicy sets the resubscribe schedule.
func WithReconnectPolicy(policy backoff.Policy) SubscriberOption {
	return func(s *Subscriber) {
		if policy.Base > 0 {
			s.reconnect = policy
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger libLog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// NewSubscriber creates a Subscriber. The topology's routing keys default
// to the keys registered on the consumer's handlers.
func NewSubscriber(
	source ChannelSource,
	consumer *inbox.Consumer,
	topology libRabbitmq.QueueTopology,
	opts ...SubscriberOption,
) (*Subscriber, error) {
	if source == nil {
		return nil, ErrSourceRequired
	}

	if consumer == nil {
		return nil, inbox.ErrConsumerRequired
	}

	s := &Subscriber{
		source:    source,
		consumer:  consumer,
		topology:  topology,
		prefetch:  DefaultPrefetch,
		reconnect: backoff.Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: true},
		logger:    libLog.NewNop(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if len(s.topology.RoutingKeys) == 0 {
		s.topology.RoutingKeys = consumer.RoutingKeys()
	}

	if strings.TrimSpace(s.topology.Queue) == "" {
		return nil, libRabbitmq.ErrEmptyQueue
	}

	if strings.TrimSpace(s.topology.Exchange) == "" {
		return nil, libRabbitmq.ErrEmptyExchange
	}

	if len(s.topology.RoutingKeys) == 0 {
		return nil, libRabbitmq.ErrNoRoutingKeys
	}

	s.logger = s.logger.With(libLog.String("queue", s.topology.Queue))

	return s, nil
}

// Run consumes until Stop or launcher shutdown.
func (s *Subscriber) Run(launcher *relay.Launcher) error {
	return s.RunContext(launcher.Context())
}

// RunContext consumes until ctx ends or Stop is called. A dropped channel
// is replaced after a backoff; in-flight handlers finish first.
func (s *Subscriber) RunContext(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !s.registerRun() {
		return ErrSubscriberRunning
	}

	defer s.clearRun()

	select {
	case <-s.stop:
		return nil
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtime.SafeGo(s.logger, "inbox.subscriber_stop_watch", runtime.KeepRunning, func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	})

	s.logger.Log(ctx, libLog.LevelInfo, "inbox subscriber started",
		libLog.Int("prefetch", s.prefetch),
		libLog.String("routing_keys", strings.Join(s.topology.RoutingKeys, ",")))

	for attempt := 0; ; {
		err := s.consumeOnce(ctx)

		if ctx.Err() != nil {
			s.logger.Log(context.Background(), libLog.LevelInfo, "inbox subscriber stopped")

			return nil
		}

		if errors.Is(err, ErrDeliveriesClosed) {
			attempt = 0
		}

		delay := s.reconnect.Delay(attempt)
		attempt++

		libLog.SafeError(s.logger, ctx, "inbox subscription interrupted; resubscribing", err, runtime.IsProductionMode(),
			libLog.Duration("retry_in", delay))

		if backoff.WaitContext(ctx, delay) != nil {
			s.logger.Log(context.Background(), libLog.LevelInfo, "inbox subscriber stopped")

			return nil
		}
	}
}

// consumeOnce opens a channel, declares the topology and drains deliveries
// until the stream closes or ctx ends.
func (s *Subscriber) consumeOnce(ctx context.Context) error {
	ch, err := s.source(ctx)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	defer func() {
		if closeErr := ch.Close(); closeErr != nil && !errors.Is(closeErr, amqp.ErrClosed) {
			s.logger.Log(context.Background(), libLog.LevelDebug, "closing consumer channel", libLog.Err(closeErr))
		}
	}()

	if err := libRabbitmq.DeclareQueueTopology(ch, s.topology); err != nil {
		return err
	}

	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(s.topology.Queue, s.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.topology.Queue, err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLogger(s.logger)

	for worker := range s.prefetch {
		group.GoNamed(fmt.Sprintf("inbox.subscriber_worker_%d", worker), func() error {
			return s.work(groupCtx, deliveries)
		})
	}

	return group.Wait()
}

func (s *Subscriber) work(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}

			// a delivery taken off the channel is settled even during shutdown
			s.consumer.Handle(context.WithoutCancel(ctx), delivery{d: d})
		}
	}
}

// Stop stops consuming. Handlers in flight run to completion.
func (s *Subscriber) Stop() {
	if s == nil {
		return
	}

	s.stopOnce.Do(func() { close(s.stop) })
}

// Shutdown stops consuming and waits for the loop or ctx.
func (s *Subscriber) Shutdown(ctx context.Context) error {
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
		return fmt.Errorf("subscriber shutdown: %w", ctx.Err())
	}
}

func (s *Subscriber) registerRun() bool {
	s.runStateMu.Lock()
	defer s.runStateMu.Unlock()

	if s.running {
		return false
	}

	s.running = true
	s.runDone = make(chan struct{})

	return true
}

func (s *Subscriber) clearRun() {
	s.runStateMu.Lock()
	defer s.runStateMu.Unlock()

	s.running = false
	close(s.runDone)
}

func (s *Subscriber) runDoneSignal() <-chan struct{} {
	s.runStateMu.Lock()
	defer s.runStateMu.Unlock()

	return s.runDone
}
