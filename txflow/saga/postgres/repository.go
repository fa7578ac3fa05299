// Package postgres provides PostgreSQL adapters for the saga instance
// repository, the transactor, and the watchdog store.
//
// Instance reads take a row lock (FOR UPDATE) so two replies for the same
// saga never interleave, and writes are version guarded. ForceFail is the
// watchdog side of the same optimistic lock: whichever transition commits
// first wins and the loser is a no-op.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	txflow "github.com/LerianStudio/lib-txflow/txflow"
	"github.com/LerianStudio/lib-txflow/txflow/internal/nilcheck"
	"github.com/LerianStudio/lib-txflow/txflow/log"
	txPostgres "github.com/LerianStudio/lib-txflow/txflow/postgres"
	"github.com/LerianStudio/lib-txflow/txflow/saga"
	"github.com/LerianStudio/lib-txflow/txflow/watchdog"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("saga repository not initialized")
	ErrNoPrimaryDB              = errors.New("no primary database configured")
	ErrInvalidIdentifier        = errors.New("invalid sql identifier")
	identifierPattern           = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout   = 30 * time.Second
	sagaColumns                 = "id, name, current_step, state, context, created_at, updated_at, version"
)

type resolverProvider interface {
	Resolver(context.Context) (dbresolver.DB, error)
}

type Option func(*Repository)

func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// Repository persists saga instances in PostgreSQL.
type Repository struct {
	client    resolverProvider
	logger    log.Logger
	tableName string
}

var (
	_ saga.Repository = (*Repository)(nil)
	_ watchdog.Store  = (*Repository)(nil)
)

// NewRepository creates a PostgreSQL saga instance repository.
func NewRepository(client *txPostgres.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		client:    client,
		logger:    log.NewNop(),
		tableName: "saga_instances",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if nilcheck.Interface(repo.logger) {
		repo.logger = log.NewNop()
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "saga_instances"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Create stores a new saga instance.
func (repo *Repository) Create(ctx context.Context, tx saga.Tx, instance *saga.Instance) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if instance == nil {
		return saga.ErrInstanceRequired
	}

	tracking := txflow.NewTrackingFromContext(ctx)

	ctx, span := tracking.Tracer.Start(ctx, "postgres.create_saga_instance")
	defer span.End()

	contextJSON, err := marshalContext(instance.Context)
	if err != nil {
		return err
	}

	table := quoteIdentifierPath(repo.tableName)
	query := "INSERT INTO " + table + " (" + sagaColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

	err = repo.exec(ctx, tx, func(db execer) error {
		_, execErr := db.ExecContext(ctx, query,
			instance.ID,
			instance.Name,
			instance.CurrentStep,
			instance.State,
			contextJSON,
			instance.CreatedAt,
			instance.UpdatedAt,
			instance.Version,
		)

		return execErr
	})
	if err != nil {
		txflow.HandleSpanError(span, "failed to create saga instance", err)
		repo.logger.Log(ctx, log.LevelError, "failed to create saga instance", log.Err(err))

		return fmt.Errorf("creating saga instance: %w", err)
	}

	return nil
}

// Get loads a saga instance by id. Inside a transaction the row is locked
// so concurrent replies for the same saga serialize.
func (repo *Repository) Get(ctx context.Context, tx saga.Tx, id uuid.UUID) (*saga.Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	tracking := txflow.NewTrackingFromContext(ctx)

	ctx, span := tracking.Tracer.Start(ctx, "postgres.get_saga_instance")
	defer span.End()

	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + sagaColumns + " FROM " + table + " WHERE id = $1"

	if tx != nil {
		query += " FOR UPDATE"
	}

	var instance *saga.Instance

	err := repo.exec(ctx, tx, func(db execer) error {
		row := db.QueryRowContext(ctx, query, id)

		scanned, scanErr := scanInstance(row)
		if scanErr != nil {
			return scanErr
		}

		instance = scanned

		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrInstanceNotFound
		}

		txflow.HandleSpanError(span, "failed to get saga instance", err)
		repo.logger.Log(ctx, log.LevelError, "failed to get saga instance", log.Err(err))

		return nil, fmt.Errorf("getting saga instance: %w", err)
	}

	return instance, nil
}

// Update persists the instance guarded by its version and bumps it.
func (repo *Repository) Update(ctx context.Context, tx saga.Tx, instance *saga.Instance) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if instance == nil {
		return saga.ErrInstanceRequired
	}

	tracking := txflow.NewTrackingFromContext(ctx)

	ctx, span := tracking.Tracer.Start(ctx, "postgres.update_saga_instance")
	defer span.End()

	contextJSON, err := marshalContext(instance.Context)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table + " SET current_step = $1, state = $2, context = $3, updated_at = $4, " +
		"version = version + 1 WHERE id = $5 AND version = $6"

	err = repo.exec(ctx, tx, func(db execer) error {
		result, execErr := db.ExecContext(ctx, query,
			instance.CurrentStep,
			instance.State,
			contextJSON,
			now,
			instance.ID,
			instance.Version,
		)
		if execErr != nil {
			return execErr
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return rowsErr
		}

		if rows == 0 {
			return saga.ErrVersionConflict
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, saga.ErrVersionConflict) {
			return saga.ErrVersionConflict
		}

		txflow.HandleSpanError(span, "failed to update saga instance", err)
		repo.logger.Log(ctx, log.LevelError, "failed to update saga instance", log.Err(err))

		return fmt.Errorf("updating saga instance: %w", err)
	}

	instance.Version++
	instance.UpdatedAt = now

	return nil
}

// ListExpired returns saga instances stuck in one of states past cutoff.
func (repo *Repository) ListExpired(
	ctx context.Context,
	states []string,
	cutoff time.Time,
	limit int,
) ([]watchdog.Item, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	tracking := txflow.NewTrackingFromContext(ctx)

	ctx, span := tracking.Tracer.Start(ctx, "postgres.list_expired_sagas")
	defer span.End()

	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT id, state, version, updated_at FROM " + table +
		" WHERE state = ANY($1::text[]) AND updated_at <= $2 ORDER BY updated_at ASC LIMIT $3"

	primaryDB, err := repo.primaryDB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := primaryDB.QueryContext(ctx, query, states, cutoff, limit)
	if err != nil {
		txflow.HandleSpanError(span, "failed to list expired sagas", err)
		repo.logger.Log(ctx, log.LevelError, "failed to list expired sagas", log.Err(err))

		return nil, fmt.Errorf("listing expired sagas: %w", err)
	}

	defer rows.Close()

	items := make([]watchdog.Item, 0, limit)

	for rows.Next() {
		var item watchdog.Item

		if err := rows.Scan(&item.ID, &item.State, &item.Version, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning expired saga: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return items, nil
}

// ForceFail transitions the instance to FAILED, guarded by version and a
// non-terminal state check. Returns false when the guard lost the race.
func (repo *Repository) ForceFail(
	ctx context.Context,
	id uuid.UUID,
	version int64,
	reason string,
) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return false, ErrRepositoryNotInitialized
	}

	tracking := txflow.NewTrackingFromContext(ctx)

	ctx, span := tracking.Tracer.Start(ctx, "postgres.force_fail_saga")
	defer span.End()

	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table + " SET state = $1, " +
		"context = context || jsonb_build_object($2::text, $3::text), " +
		"updated_at = $4, version = version + 1 " +
		"WHERE id = $5 AND version = $6 AND state NOT IN ($7, $8)"

	primaryDB, err := repo.primaryDB(ctx)
	if err != nil {
		return false, err
	}

	result, err := primaryDB.ExecContext(ctx, query,
		saga.StateFailed,
		saga.FailureReasonKey,
		reason,
		time.Now().UTC(),
		id,
		version,
		saga.StateCompleted,
		saga.StateFailed,
	)
	if err != nil {
		txflow.HandleSpanError(span, "failed to force saga failure", err)
		repo.logger.Log(ctx, log.LevelError, "failed to force saga failure", log.Err(err))

		return false, fmt.Errorf("forcing saga failure: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return rows > 0, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// exec runs fn against the given transaction, or a short-lived one.
func (repo *Repository) exec(ctx context.Context, tx saga.Tx, fn func(db execer) error) error {
	if tx != nil {
		return fn(tx)
	}

	primaryDB, err := repo.primaryDB(ctx)
	if err != nil {
		return err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, defaultTransactionTimeout)
		defer cancel()
	}

	newTx, err := primaryDB.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	if err := fn(newTx); err != nil {
		return err
	}

	if err := newTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.client != nil
}

func (repo *Repository) primaryDB(ctx context.Context) (*sql.DB, error) {
	resolved, err := repo.client.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if resolved == nil {
		return nil, ErrNoPrimaryDB
	}

	primaryDBs := resolved.PrimaryDBs()
	if len(primaryDBs) == 0 || primaryDBs[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaryDBs[0], nil
}

func scanInstance(scanner interface{ Scan(dest ...any) error }) (*saga.Instance, error) {
	var (
		instance    saga.Instance
		contextJSON []byte
	)

	if err := scanner.Scan(
		&instance.ID,
		&instance.Name,
		&instance.CurrentStep,
		&instance.State,
		&contextJSON,
		&instance.CreatedAt,
		&instance.UpdatedAt,
		&instance.Version,
	); err != nil {
		return nil, err
	}

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &instance.Context); err != nil {
			return nil, fmt.Errorf("unmarshaling saga context: %w", err)
		}
	}

	return &instance, nil
}

func marshalContext(instanceContext map[string]string) ([]byte, error) {
	if instanceContext == nil {
		instanceContext = map[string]string{}
	}

	contextJSON, err := json.Marshal(instanceContext)
	if err != nil {
		return nil, fmt.Errorf("marshaling saga context: %w", err)
	}

	return contextJSON, nil
}

// Transactor opens one transaction on the primary database and passes it
// through to the saga orchestrator's unit of work.
type Transactor struct {
	client             resolverProvider
	transactionTimeout time.Duration
}

var _ saga.Transactor = (*Transactor)(nil)

// NewTransactor creates a postgres-backed transactor.
func NewTransactor(client *txPostgres.Client) (*Transactor, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	return &Transactor{client: client, transactionTimeout: defaultTransactionTimeout}, nil
}

// WithinTransaction begins a transaction, invokes fn, and commits when fn
// returns nil.
func (transactor *Transactor) WithinTransaction(
	ctx context.Context,
	fn func(ctx context.Context, tx saga.Tx) error,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	resolved, err := transactor.client.Resolver(ctx)
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}

	primaryDBs := resolved.PrimaryDBs()
	if len(primaryDBs) == 0 || primaryDBs[0] == nil {
		return ErrNoPrimaryDB
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, transactor.transactionTimeout)
		defer cancel()
	}

	tx, err := primaryDBs[0].BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txCtx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
