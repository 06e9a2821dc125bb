package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/relay/opentelemetry"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	uniqueViolation = "23505"
)

var (
	// ErrEmptyPrimaryDSN is returned when no primary DSN is configured.
	ErrEmptyPrimaryDSN = errors.New("postgres primary dsn cannot be empty")
	// ErrInvalidDatabaseName is returned for names golang-migrate would reject.
	ErrInvalidDatabaseName = errors.New("invalid postgres database name")
	// ErrInvalidMigrationsPath is returned for paths escaping the working directory.
	ErrInvalidMigrationsPath = errors.New("invalid migrations path")
	// ErrNotConnected is returned after Close.
	ErrNotConnected = errors.New("postgres client is not connected")
	// ErrNoPrimary is returned when the resolver holds no primary pool.
	ErrNoPrimary = errors.New("no primary database configured")
	// ErrNilTransaction is returned by WithTx for a nil callback.
	ErrNilTransaction = errors.New("transaction callback cannot be nil")

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config describes the primary/replica pair.
type Config struct {
	PrimaryDSN     string
	ReplicaDSN     string // defaults to PrimaryDSN
	DatabaseName   string
	MigrationsPath string // empty skips migrations
	MaxOpenConns   int
	MaxIdleConns   int
	Logger         log.Logger
}

func (cfg Config) normalize() Config {
	if cfg.ReplicaDSN == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	return cfg
}

// Client owns the resolver and both pools.
type Client struct {
	mu  sync.RWMutex
	db  dbresolver.DB
	cfg Config
}

var (
	openFn    = sql.Open
	migrateFn = runMigrations
)

// Connect opens both pools, runs migrations against the primary and pings.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return nil, ErrEmptyPrimaryDSN
	}

	cfg = cfg.normalize()

	ctx, span := otel.Tracer("relay.postgres").Start(ctx, "postgres.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemPostgreSQL))

	primary, err := openPool(cfg, cfg.PrimaryDSN)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to open primary", err)
		return nil, fmt.Errorf("open primary: %s", sanitizeSensitiveError(err))
	}

	replica, err := openPool(cfg, cfg.ReplicaDSN)
	if err != nil {
		_ = primary.Close()

		libOpentelemetry.HandleSpanError(&span, "Failed to open replica", err)

		return nil, fmt.Errorf("open replica: %s", sanitizeSensitiveError(err))
	}

	db := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if cfg.MigrationsPath != "" {
		if err := migrateFn(primary, cfg); err != nil {
			_ = db.Close()

			libOpentelemetry.HandleSpanError(&span, "Failed to migrate", err)

			return nil, err
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		libOpentelemetry.HandleSpanError(&span, "Failed to ping postgres", err)

		return nil, fmt.Errorf("ping postgres: %s", sanitizeSensitiveError(err))
	}

	cfg.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return &Client{db: db, cfg: cfg}, nil
}

// NewWithDB wraps an already opened resolver, e.g. sqlmock or a test container.
func NewWithDB(db dbresolver.DB, logger log.Logger) *Client {
	return &Client{db: db, cfg: Config{Logger: logger}.normalize()}
}

func openPool(cfg Config, dsn string) (*sql.DB, error) {
	db, err := openFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// DB returns the resolver. Reads may be served by the replica.
//
//nolint:ireturn
func (c *Client) DB() (dbresolver.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.db == nil {
		return nil, ErrNotConnected
	}

	return c.db, nil
}

// Primary returns the primary pool, for statements that write through a
// query (UPDATE ... RETURNING) and so must never be routed to a replica.
func (c *Client) Primary() (*sql.DB, error) {
	db, err := c.DB()
	if err != nil {
		return nil, err
	}

	primaries := db.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNoPrimary
	}

	return primaries[0], nil
}

type txKey struct{}

// ContextWithTx returns ctx carrying tx. WithTx calls made with the returned
// context run inside tx instead of opening their own.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	if ctx == nil {
		return nil, false
	}

	tx, ok := ctx.Value(txKey{}).(*sql.Tx)

	return tx, ok && tx != nil
}

// WithTx runs fn in a primary transaction, committing when fn returns nil.
// When ctx already carries a transaction, fn joins it and the owner of that
// transaction commits or rolls back.
func (c *Client) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if fn == nil {
		return ErrNilTransaction
	}

	if tx, ok := TxFromContext(ctx); ok {
		return fn(tx)
	}

	primary, err := c.Primary()
	if err != nil {
		return err
	}

	tx, err := primary.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			c.cfg.Logger.Log(ctx, log.LevelWarn, "rollback failed", log.Err(rollbackErr))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Ping checks both pools.
func (c *Client) Ping(ctx context.Context) error {
	db, err := c.DB()
	if err != nil {
		return err
	}

	return db.PingContext(ctx)
}

// Close releases both pools.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}

	err := c.db.Close()
	c.db = nil

	return err
}

// IsUniqueViolation reports whether err is SQLSTATE 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}

	return false
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := credentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return passwordPattern.ReplaceAllString(sanitized, "${1}***")
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidMigrationsPath, path)
		}
	}

	return filepath.Abs(cleaned)
}

func runMigrations(primary *sql.DB, cfg Config) error {
	if !dbNamePattern.MatchString(cfg.DatabaseName) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, cfg.DatabaseName)
	}

	path, err := sanitizePath(cfg.MigrationsPath)
	if err != nil {
		return err
	}

	source := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{
		DatabaseName: cfg.DatabaseName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source.String(), cfg.DatabaseName, driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	err = m.Up()

	var dirtyErr migrate.ErrDirty

	switch {
	case err == nil:
		cfg.Logger.Log(context.Background(), log.LevelInfo, "migrations applied", log.String("path", path))
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		cfg.Logger.Log(context.Background(), log.LevelInfo, "no new migrations")
		return nil
	case errors.Is(err, os.ErrNotExist):
		cfg.Logger.Log(context.Background(), log.LevelWarn, "no migration files found", log.String("path", path))
		return nil
	case errors.As(err, &dirtyErr):
		return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
	default:
		return fmt.Errorf("migration failed: %w", err)
	}
}
