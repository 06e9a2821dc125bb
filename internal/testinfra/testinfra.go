//go:build integration

// Package testinfra starts disposable MongoDB, PostgreSQL and RabbitMQ
// containers for integration tests.
package testinfra

import (
	"context"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LerianStudio/outbox-relay/relay/log"
	libPostgres "github.com/LerianStudio/outbox-relay/relay/postgres"
)

const startupTimeout = 60 * time.Second

// MongoReplicaSet starts a single-node replica set, which transactions
// require, and returns its connection string.
func MongoReplicaSet(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcmongo.Run(ctx, "mongo:7", tcmongo.WithReplicaSet("rs0"))
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("terminate mongo container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	if !strings.Contains(uri, "directConnection") {
		separator := "?"
		if strings.Contains(uri, "?") {
			separator = "&"
		}

		uri += separator + "directConnection=true"
	}

	return uri
}

// Postgres starts PostgreSQL 16 and returns a DSN.
func Postgres(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("outbox"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startupTimeout),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return dsn
}

// MigratedPostgres starts PostgreSQL and applies migrations/postgres.
func MigratedPostgres(t *testing.T) *libPostgres.Client {
	t.Helper()

	dsn := Postgres(t)

	client, err := libPostgres.Connect(context.Background(), libPostgres.Config{
		PrimaryDSN:     dsn,
		DatabaseName:   "outbox",
		MigrationsPath: MigrationsPath(t),
		Logger:         log.NewNop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client
}

// MigrationsPath returns the absolute path of migrations/postgres.
func MigrationsPath(t *testing.T) string {
	t.Helper()

	_, file, _, ok := goruntime.Caller(0)
	require.True(t, ok)

	path, err := filepath.Abs(filepath.Join(filepath.Dir(file), "..", "..", "migrations", "postgres"))
	require.NoError(t, err)

	return path
}

// RabbitMQ starts a broker and returns its AMQP URL.
func RabbitMQ(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcrabbitmq.Run(ctx,
		"rabbitmq:3.13-management-alpine",
		tcrabbitmq.WithAdminUsername("guest"),
		tcrabbitmq.WithAdminPassword("guest"),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("terminate rabbitmq container: %v", err)
		}
	})

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	return url
}
