// Package postgres manages the PostgreSQL connection pair (primary plus
// read replica) shared by the outbox, inbox and saga storage adapters. It
// opens both through the pgx stdlib driver, balances reads through
// dbresolver, and applies schema migrations on connect.
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

	"github.com/LerianStudio/lib-txflow/txflow/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNoPrimaryDB is returned when the resolver has no primary database.
	ErrNoPrimaryDB = errors.New("no primary database configured")

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Client is a hub dealing with postgres connections.
type Client struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	MigrationsPath          string
	AllowMultiStatements    bool
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	connectionDB dbresolver.DB
	connected    bool
	mu           sync.RWMutex
}

func (client *Client) initDefaults() {
	if client.Logger == nil {
		client.Logger = log.NewNop()
	}

	if client.MaxOpenConnections <= 0 {
		client.MaxOpenConnections = defaultMaxOpenConns
	}

	if client.MaxIdleConnections <= 0 {
		client.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the primary and replica connections, builds the resolver and
// applies migrations. Reconnecting closes the previous resolver first.
func (client *Client) Connect(ctx context.Context) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.connectLocked(ctx)
}

func (client *Client) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	client.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if client.connectionDB != nil {
		if err := client.closeLocked(); err != nil {
			client.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	client.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	dbPrimary, err := sql.Open("pgx", client.ConnectionStringPrimary)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		client.Logger.Log(ctx, log.LevelError, "failed to connect to primary database", log.String("error", sanitized))

		return fmt.Errorf("failed to connect to primary database: %s", sanitized)
	}

	// Clean up the primary if anything downstream fails.
	var success bool

	defer func() {
		if !success {
			dbPrimary.Close()
		}
	}()

	configurePool(dbPrimary, client.MaxOpenConnections, client.MaxIdleConnections)

	replicaConnString := client.ConnectionStringReplica
	if strings.TrimSpace(replicaConnString) == "" {
		replicaConnString = client.ConnectionStringPrimary
	}

	dbReplica, err := sql.Open("pgx", replicaConnString)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		client.Logger.Log(ctx, log.LevelError, "failed to connect to replica database", log.String("error", sanitized))

		return fmt.Errorf("failed to connect to replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			dbReplica.Close()
		}
	}()

	configurePool(dbReplica, client.MaxOpenConnections, client.MaxIdleConnections)

	connectionDB, err := newResolver(dbPrimary, dbReplica)
	if err != nil {
		client.Logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))

		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if client.MigrationsPath != "" {
		migrationsPath, pathErr := sanitizePath(client.MigrationsPath)
		if pathErr != nil {
			return pathErr
		}

		if err := runMigrations(ctx, dbPrimary, migrationsPath, client.PrimaryDBName, client.AllowMultiStatements, client.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		client.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	client.connected = true
	client.connectionDB = connectionDB

	client.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// Resolver returns the dbresolver handle, connecting lazily if needed.
//
//nolint:ireturn
func (client *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	client.mu.RLock()

	if client.connectionDB != nil {
		db := client.connectionDB
		client.mu.RUnlock()

		return db, nil
	}

	client.mu.RUnlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	// Double-check after acquiring write lock.
	if client.connectionDB != nil {
		return client.connectionDB, nil
	}

	if err := client.connectLocked(ctx); err != nil {
		return nil, err
	}

	return client.connectionDB, nil
}

// PrimaryDB returns the primary *sql.DB for transactional writes.
func (client *Client) PrimaryDB(ctx context.Context) (*sql.DB, error) {
	resolved, err := client.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	primaries := resolved.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaries[0], nil
}

// Close releases database connection resources.
func (client *Client) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.closeLocked()
}

func (client *Client) closeLocked() error {
	if client.connectionDB != nil {
		err := client.connectionDB.Close()
		client.connectionDB = nil
		client.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the database resolver is initialized.
func (client *Client) IsConnected() bool {
	client.mu.RLock()
	defer client.mu.RUnlock()

	return client.connected
}

func configurePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func newResolver(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("failed to create resolver: %v", recovered)
		}
	}()

	connectionDB := dbresolver.New(
		dbresolver.WithPrimaryDBs(primaryDB),
		dbresolver.WithReplicaDBs(replicaDB),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if connectionDB == nil {
		return nil, errors.New("resolver returned nil connection")
	}

	return connectionDB, nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

// sanitizePath rejects traversal segments to keep migrations inside the
// configured directory (CWE-22).
func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	parts := strings.Split(cleaned, string(filepath.Separator))

	for _, part := range parts {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(
	ctx context.Context,
	dbPrimary *sql.DB,
	migrationsPath, primaryDBName string,
	allowMultiStatements bool,
	logger log.Logger,
) error {
	if err := validateDBName(primaryDBName); err != nil {
		logger.Log(ctx, log.LevelError, "invalid primary database name", log.Err(err))

		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to parse migrations url", log.Err(err))

		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepostgres.WithInstance(dbPrimary, &migratepostgres.Config{
		MultiStatementEnabled: allowMultiStatements,
		DatabaseName:          primaryDBName,
		SchemaName:            "public",
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create postgres driver instance", log.Err(err))

		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), primaryDBName, driver)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create migration instance", log.Err(err))

		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration failed with dirty version", log.Int("version", dirtyErr.Version))

			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
