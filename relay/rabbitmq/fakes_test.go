//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	mu          sync.Mutex
	confirms    chan amqp.Confirmation
	closeNotify chan *amqp.Error
	published   []amqp.Publishing
	keys        []string
	nack        bool
	silent      bool
	publishErr  error
	confirmErr  error
	closed      bool
	tag         uint64
}

func newFakeChannel() *fakeChannel { return &fakeChannel{} }

func (f *fakeChannel) Confirm(bool) error { return f.confirmErr }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closeNotify = c
	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	f.tag++

	if !f.silent {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: !f.nack}
	}

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return amqp.ErrClosed
	}

	f.closed = true

	return nil
}

func (f *fakeChannel) breakChannel() {
	f.closeNotify <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
	close(f.closeNotify)
}

type declaration struct {
	kind string
	name string
	args amqp.Table
}

type fakeTopologyChannel struct {
	declared []declaration
	failOn   string
}

func (f *fakeTopologyChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, args amqp.Table) error {
	if f.failOn == name {
		return errors.New("access refused")
	}

	f.declared = append(f.declared, declaration{kind: "exchange:" + kind, name: name, args: args})

	return nil
}

func (f *fakeTopologyChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if f.failOn == name {
		return amqp.Queue{}, errors.New("precondition failed")
	}

	f.declared = append(f.declared, declaration{kind: "queue", name: name, args: args})

	return amqp.Queue{Name: name}, nil
}

func (f *fakeTopologyChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.declared = append(f.declared, declaration{kind: "bind", name: name + "<-" + exchange + ":" + key})

	return nil
}
