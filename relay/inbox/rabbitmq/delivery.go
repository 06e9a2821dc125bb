package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/outbox-relay/relay/inbox"
)

// delivery adapts amqp.Delivery to inbox.Delivery. Settlement is always
// for this delivery alone.
type delivery struct {
	d amqp.Delivery
}

var _ inbox.Delivery = delivery{}

func (d delivery) MessageID() string  { return d.d.MessageId }
func (d delivery) RoutingKey() string { return d.d.RoutingKey }
func (d delivery) Body() []byte       { return d.d.Body }

func (d delivery) Headers() map[string]any {
	return d.d.Headers
}

func (d delivery) Ack() error {
	return d.d.Ack(false)
}

func (d delivery) Nack(requeue bool) error {
	return d.d.Nack(false, requeue)
}
