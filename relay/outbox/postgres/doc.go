// Package postgres stores outbox events in a PostgreSQL table.
//
// Writer records events in the same transaction as the business mutation.
// Repository implements outbox.Repository with an UPDATE over a
// FOR UPDATE SKIP LOCKED subquery, so concurrent dispatchers never claim
// the same row. The table is created by migrations/postgres.
package postgres
