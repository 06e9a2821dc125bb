// Package postgres opens the primary/replica pair behind a dbresolver.DB,
// applies file migrations with golang-migrate and exposes a transaction
// helper used by the outbox writer. Writes always reach the primary.
package postgres
