// Package postgres stores inbox records in a PostgreSQL table whose primary
// key is the message id. The table comes from the migrations directory.
package postgres
