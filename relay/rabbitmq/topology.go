package rabbitmq

import (
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
)

const (
	// ExchangeTypeTopic routes by the event type used as routing key.
	ExchangeTypeTopic = "topic"

	dlxSuffix = ".dlx"
	dlqSuffix = ".dlq"
)

var (
	// ErrChannelRequired is returned when a nil channel is passed.
	ErrChannelRequired = errors.New("rabbitmq channel is required")
	// ErrEmptyExchange is returned for a blank exchange name.
	ErrEmptyExchange = errors.New("exchange name cannot be empty")
	// ErrEmptyQueue is returned for a blank queue name.
	ErrEmptyQueue = errors.New("queue name cannot be empty")
	// ErrNoRoutingKeys is returned when a queue would have no binding.
	ErrNoRoutingKeys = errors.New("at least one routing key is required")
)

// AMQPChannel is the subset of *amqp.Channel used to declare topology.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareExchange declares a durable exchange of kind (topic when empty).
func DeclareExchange(ch AMQPChannel, name, kind string) error {
	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	if strings.TrimSpace(name) == "" {
		return ErrEmptyExchange
	}

	if kind == "" {
		kind = ExchangeTypeTopic
	}

	if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}

	return nil
}

// QueueTopology describes a consumer queue bound to an exchange.
type QueueTopology struct {
	Exchange    string
	Queue       string
	RoutingKeys []string
	// DeadLetter declares <queue>.dlx and <queue>.dlq and points the queue
	// at them, so rejected deliveries are kept instead of dropped.
	DeadLetter bool
	// DLQMessageTTL bounds how long dead letters are retained.
	DLQMessageTTL time.Duration
}

// DLXName returns the dead-letter exchange name for the queue.
func (t QueueTopology) DLXName() string { return t.Queue + dlxSuffix }

// DLQName returns the dead-letter queue name for the queue.
func (t QueueTopology) DLQName() string { return t.Queue + dlqSuffix }

func (t QueueTopology) validate() error {
	if strings.TrimSpace(t.Exchange) == "" {
		return ErrEmptyExchange
	}

	if strings.TrimSpace(t.Queue) == "" {
		return ErrEmptyQueue
	}

	if len(t.RoutingKeys) == 0 {
		return ErrNoRoutingKeys
	}

	return nil
}

// DeclareQueueTopology declares the exchange, the optional dead-letter pair,
// the durable queue and one binding per routing key. Every declaration is
// idempotent, so each consumer process runs it at startup.
func DeclareQueueTopology(ch AMQPChannel, topology QueueTopology) error {
	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	if err := topology.validate(); err != nil {
		return err
	}

	if err := DeclareExchange(ch, topology.Exchange, ExchangeTypeTopic); err != nil {
		return err
	}

	var queueArgs amqp.Table

	if topology.DeadLetter {
		if err := declareDeadLetter(ch, topology); err != nil {
			return err
		}

		queueArgs = DeadLetterArgs(topology.DLXName())
	}

	if _, err := ch.QueueDeclare(topology.Queue, true, false, false, false, queueArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", topology.Queue, err)
	}

	for _, key := range topology.RoutingKeys {
		if err := ch.QueueBind(topology.Queue, key, topology.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s with %s: %w", topology.Queue, topology.Exchange, key, err)
		}
	}

	return nil
}

func declareDeadLetter(ch AMQPChannel, topology QueueTopology) error {
	if err := ch.ExchangeDeclare(topology.DLXName(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	var args amqp.Table

	if topology.DLQMessageTTL > 0 {
		args = amqp.Table{"x-message-ttl": max(topology.DLQMessageTTL.Milliseconds(), 1)}
	}

	if _, err := ch.QueueDeclare(topology.DLQName(), true, false, false, false, args); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(topology.DLQName(), "", topology.DLXName(), false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}

// DeadLetterArgs returns queue arguments routing rejected messages to dlx.
func DeadLetterArgs(dlx string) amqp.Table {
	return amqp.Table{"x-dead-letter-exchange": dlx}
}
