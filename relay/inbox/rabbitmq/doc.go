// Package rabbitmq feeds deliveries from a RabbitMQ queue into an
// inbox.Consumer, redeclaring the queue topology and resubscribing whenever
// the channel drops.
package rabbitmq
