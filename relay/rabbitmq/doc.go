// Package rabbitmq manages the AMQP connection shared by the outbox
// publisher and the inbox subscriber, declares the topic exchange and the
// per-service queue topology with dead-lettering, and publishes with broker
// confirms.
package rabbitmq
