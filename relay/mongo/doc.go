// Package mongo owns the MongoDB connection used by the outbox, the inbox
// and the order store: connect and ping at startup, idempotent index
// creation, multi-document transactions and a Close hook for shutdown.
//
// Transactions need a replica set; a single-node replica set started with
// --replSet rs0 is enough for local development.
package mongo
