package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultHeartbeatInterval      = 10 * time.Second
	maxMaxPoolSize                = 1000
	tracerName                    = "relay.mongo"
)

var (
	// ErrNilContext is returned when a required context is nil.
	ErrNilContext = errors.New("context cannot be nil")
	// ErrNilClient is returned when a *Client receiver is nil.
	ErrNilClient = errors.New("mongo client is nil")
	// ErrClientClosed is returned when the client is not connected.
	ErrClientClosed = errors.New("mongo client is closed")
	// ErrNilDependency is returned when an Option sets a required dependency to nil.
	ErrNilDependency = errors.New("mongo option set a required dependency to nil")
	// ErrEmptyURI is returned when the Mongo URI is empty.
	ErrEmptyURI = errors.New("mongo uri cannot be empty")
	// ErrEmptyDatabaseName is returned when the database name is empty.
	ErrEmptyDatabaseName = errors.New("database name cannot be empty")
	// ErrEmptyCollectionName is returned when the collection name is empty.
	ErrEmptyCollectionName = errors.New("collection name cannot be empty")
	// ErrEmptyIndexes is returned when no index model is provided.
	ErrEmptyIndexes = errors.New("at least one index must be provided")
	// ErrConnect wraps connection failures.
	ErrConnect = errors.New("mongo connect failed")
	// ErrPing wraps connectivity probe failures.
	ErrPing = errors.New("mongo ping failed")
	// ErrDisconnect wraps disconnection failures.
	ErrDisconnect = errors.New("mongo disconnect failed")
	// ErrCreateIndex wraps index creation failures.
	ErrCreateIndex = errors.New("mongo create index failed")
	// ErrNilTransaction is returned by WithTransaction for a nil callback.
	ErrNilTransaction = errors.New("transaction callback cannot be nil")
)

// Config defines the MongoDB connection.
type Config struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration
	HeartbeatInterval      time.Duration
	Logger                 log.Logger
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.URI) == "" {
		return ErrEmptyURI
	}

	if strings.TrimSpace(cfg.Database) == "" {
		return ErrEmptyDatabaseName
	}

	return nil
}

func (cfg Config) normalize() Config {
	if cfg.MaxPoolSize > maxMaxPoolSize {
		cfg.MaxPoolSize = maxMaxPoolSize
	}

	if cfg.ServerSelectionTimeout <= 0 {
		cfg.ServerSelectionTimeout = defaultServerSelectionTimeout
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	return cfg
}

// Option customizes internal client dependencies (primarily for tests).
type Option func(*clientDeps)

type clientDeps struct {
	connect     func(context.Context, *options.ClientOptions) (*mongo.Client, error)
	ping        func(context.Context, *mongo.Client) error
	disconnect  func(context.Context, *mongo.Client) error
	createIndex func(context.Context, *mongo.Database, string, mongo.IndexModel) error
}

func defaultDeps() clientDeps {
	return clientDeps{
		connect: func(ctx context.Context, clientOptions *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, clientOptions)
		},
		ping: func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, nil)
		},
		disconnect: func(ctx context.Context, client *mongo.Client) error {
			return client.Disconnect(ctx)
		},
		createIndex: func(ctx context.Context, database *mongo.Database, collection string, index mongo.IndexModel) error {
			_, err := database.Collection(collection).Indexes().CreateOne(ctx, index)

			return err
		},
	}
}

// Client wraps a connected *mongo.Client bound to one database.
type Client struct {
	mu       sync.RWMutex
	client   *mongo.Client
	cfg      Config
	deps     clientDeps
	tracer   trace.Tracer
	failures metric.Int64Counter
}

// NewClient validates cfg, connects, pings and returns a ready client.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg = cfg.normalize()
	deps := defaultDeps()

	for _, opt := range opts {
		if opt != nil {
			opt(&deps)
		}
	}

	if deps.connect == nil || deps.ping == nil || deps.disconnect == nil || deps.createIndex == nil {
		return nil, ErrNilDependency
	}

	failures, err := otel.Meter(tracerName).Int64Counter("mongo.connection.failures",
		metric.WithDescription("Failed MongoDB connection attempts"))
	if err != nil {
		cfg.Logger.Log(ctx, log.LevelWarn, "mongo metrics disabled", log.Err(err))
	}

	c := &Client{cfg: cfg, deps: deps, tracer: otel.Tracer(tracerName), failures: failures}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "mongo.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB))

	clientOptions := options.Client().
		ApplyURI(c.cfg.URI).
		SetServerSelectionTimeout(c.cfg.ServerSelectionTimeout).
		SetHeartbeatInterval(c.cfg.HeartbeatInterval)

	if c.cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(c.cfg.MaxPoolSize)
	}

	mongoClient, err := c.deps.connect(ctx, clientOptions)
	if err != nil {
		c.recordFailure(ctx, "connect")
		libOpentelemetry.HandleSpanError(&span, "Failed to connect to mongo", err)

		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if err := c.deps.ping(ctx, mongoClient); err != nil {
		if disconnectErr := c.deps.disconnect(ctx, mongoClient); disconnectErr != nil {
			c.cfg.Logger.Log(ctx, log.LevelWarn, "mongo disconnect after failed ping", log.Err(disconnectErr))
		}

		c.recordFailure(ctx, "ping")
		libOpentelemetry.HandleSpanError(&span, "Failed to ping mongo", err)

		return fmt.Errorf("%w: %w", ErrPing, err)
	}

	c.mu.Lock()
	c.client = mongoClient
	c.mu.Unlock()

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to mongo", log.String("database", c.cfg.Database))

	return nil
}

// Client returns the underlying driver client.
func (c *Client) Client() (*mongo.Client, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrClientClosed
	}

	return c.client, nil
}

// Database returns the configured database handle.
func (c *Client) Database() (*mongo.Database, error) {
	client, err := c.Client()
	if err != nil {
		return nil, err
	}

	return client.Database(c.cfg.Database), nil
}

// DatabaseName returns the configured database name.
func (c *Client) DatabaseName() string {
	if c == nil {
		return ""
	}

	return c.cfg.Database
}

// Ping checks the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	client, err := c.Client()
	if err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "mongo.ping")
	defer span.End()

	if err := c.deps.ping(ctx, client); err != nil {
		pingErr := fmt.Errorf("%w: %w", ErrPing, err)
		libOpentelemetry.HandleSpanError(&span, "Mongo ping failed", pingErr)

		return pingErr
	}

	return nil
}

// WithTransaction runs fn inside a multi-document transaction with majority
// read and write concerns. fn may be invoked more than once when the server
// reports a transient transaction error, so it must not have side effects
// outside the session. When ctx already carries a session, fn joins its
// transaction and the caller that started it commits or aborts.
func (c *Client) WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext, db *mongo.Database) error) error {
	if fn == nil {
		return ErrNilTransaction
	}

	client, err := c.Client()
	if err != nil {
		return err
	}

	if session := mongo.SessionFromContext(ctx); session != nil {
		return fn(mongo.NewSessionContext(ctx, session), client.Database(c.cfg.Database))
	}

	ctx, span := c.tracer.Start(ctx, "mongo.transaction")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB),
		attribute.String(constant.AttrDBName, c.cfg.Database),
	)

	session, err := client.StartSession()
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to start mongo session", err)

		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	db := client.Database(c.cfg.Database)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (any, error) {
		return nil, fn(sessCtx, db)
	}, txnOpts)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Mongo transaction aborted", err)

		return err
	}

	return nil
}

// EnsureIndexes creates indexes on collection. Existing identical indexes
// are left untouched by the server.
func (c *Client) EnsureIndexes(ctx context.Context, collection string, indexes ...mongo.IndexModel) error {
	if strings.TrimSpace(collection) == "" {
		return ErrEmptyCollectionName
	}

	if len(indexes) == 0 {
		return ErrEmptyIndexes
	}

	db, err := c.Database()
	if err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "mongo.ensure_indexes")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB),
		attribute.String(constant.AttrDBMongoDBCollection, collection),
	)

	var indexErrors []error

	for _, index := range indexes {
		fields := indexKeysString(index.Keys)

		c.cfg.Logger.Log(ctx, log.LevelDebug, "ensuring mongo index",
			log.String("collection", collection), log.String("fields", fields))

		if err := c.deps.createIndex(ctx, db, collection, index); err != nil {
			indexErrors = append(indexErrors,
				fmt.Errorf("%w: collection=%s fields=%s: %w", ErrCreateIndex, collection, fields, err))
		}
	}

	if len(indexErrors) > 0 {
		joined := errors.Join(indexErrors...)
		libOpentelemetry.HandleSpanError(&span, "Failed to ensure mongo indexes", joined)

		return joined
	}

	return nil
}

// Close disconnects. The client is considered closed even when the driver
// reports a disconnect error.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.deps.disconnect(ctx, c.client)
	c.client = nil

	if err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnect, err)
	}

	c.cfg.Logger.Log(ctx, log.LevelInfo, "mongo connection closed")

	return nil
}

func (c *Client) recordFailure(ctx context.Context, operation string) {
	if c.failures == nil {
		return
	}

	c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func indexKeysString(keys any) string {
	switch k := keys.(type) {
	case bson.D:
		parts := make([]string, 0, len(k))
		for _, e := range k {
			parts = append(parts, e.Key)
		}

		return strings.Join(parts, ",")
	case bson.M:
		parts := make([]string, 0, len(k))
		for key := range k {
			parts = append(parts, key)
		}

		sort.Strings(parts)

		return strings.Join(parts, ",")
	default:
		return "<unknown>"
	}
}

// IsDuplicateKey reports whether err is a unique index violation.
func IsDuplicateKey(err error) bool {
	return err != nil && mongo.IsDuplicateKeyError(err)
}
