// Package postgres provides the PostgreSQL adapter for the inbox guard.
// The processed_messages primary key arbitrates concurrent delivery:
// INSERT ... ON CONFLICT DO NOTHING admits exactly one caller per id.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	txflow "github.com/LerianStudio/lib-txflow/txflow"
	"github.com/LerianStudio/lib-txflow/txflow/inbox"
	"github.com/LerianStudio/lib-txflow/txflow/internal/nilcheck"
	"github.com/LerianStudio/lib-txflow/txflow/log"
	"github.com/bxcodec/dbresolver/v2"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired   = errors.New("postgres connection is required")
	ErrGuardNotInitialized  = errors.New("inbox guard not initialized")
	ErrTransactionRequired  = errors.New("postgres transaction is required")
	ErrNoPrimaryDB          = errors.New("no primary database configured")
	ErrInvalidIdentifier    = errors.New("invalid sql identifier")
	identifierPattern       = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultStatementTimeout = 30 * time.Second
)

type resolverProvider interface {
	Resolver(context.Context) (dbresolver.DB, error)
}

type Option func(*Guard)

func WithLogger(logger log.Logger) Option {
	return func(guard *Guard) {
		if nilcheck.Interface(logger) {
			return
		}

		guard.logger = logger
	}
}

func WithTableName(tableName string) Option {
	return func(guard *Guard) {
		guard.tableName = tableName
	}
}

func WithStatementTimeout(timeout time.Duration) Option {
	return func(guard *Guard) {
		if timeout > 0 {
			guard.statementTimeout = timeout
		}
	}
}

// Guard persists processed message ids in PostgreSQL.
type Guard struct {
	client           resolverProvider
	logger           log.Logger
	tableName        string
	statementTimeout time.Duration
}

var _ inbox.Guard = (*Guard)(nil)

// NewGuard creates a PostgreSQL inbox guard.
func NewGuard(client resolverProvider, opts ...Option) (*Guard, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	value := reflect.ValueOf(client)
	if value.Kind() == reflect.Pointer && value.IsNil() {
		return nil, ErrConnectionRequired
	}

	guard := &Guard{
		client:           client,
		logger:           log.NewNop(),
		tableName:        "processed_messages",
		statementTimeout: defaultStatementTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}

	if nilcheck.Interface(guard.logger) {
		guard.logger = log.NewNop()
	}

	guard.tableName = strings.TrimSpace(guard.tableName)
	if guard.tableName == "" {
		guard.tableName = "processed_messages"
	}

	if err := validateIdentifierPath(guard.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return guard, nil
}

// Admit records the message id in its own statement; the uniqueness
// constraint decides the winner.
func (guard *Guard) Admit(ctx context.Context, messageID string) (inbox.Admission, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !guard.initialized() {
		return inbox.AdmissionDuplicate, ErrGuardNotInitialized
	}

	key, err := inbox.NormalizeMessageID(messageID)
	if err != nil {
		return inbox.AdmissionDuplicate, err
	}

	tracking := txflow.NewTrackingFromContext(ctx)

	ctx, span := tracking.Tracer.Start(ctx, "postgres.inbox_admit")
	defer span.End()

	primaryDB, err := guard.primaryDB(ctx)
	if err != nil {
		txflow.HandleSpanError(span, "failed to resolve primary database", err)

		return inbox.AdmissionDuplicate, err
	}

	execCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		execCtx, cancel = context.WithTimeout(ctx, guard.statementTimeout)
		defer cancel()
	}

	admission, err := guard.insert(execCtx, primaryDB, key)
	if err != nil {
		txflow.HandleSpanError(span, "failed to admit message", err)
		guard.logger.Log(ctx, log.LevelError, "failed to admit message", log.Err(err))

		return inbox.AdmissionDuplicate, fmt.Errorf("admitting message: %w", err)
	}

	return admission, nil
}

// AdmitWithTx records the message id inside the caller's transaction.
func (guard *Guard) AdmitWithTx(ctx context.Context, tx inbox.Tx, messageID string) (inbox.Admission, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !guard.initialized() {
		return inbox.AdmissionDuplicate, ErrGuardNotInitialized
	}

	if tx == nil {
		return inbox.AdmissionDuplicate, ErrTransactionRequired
	}

	key, err := inbox.NormalizeMessageID(messageID)
	if err != nil {
		return inbox.AdmissionDuplicate, err
	}

	tracking := txflow.NewTrackingFromContext(ctx)

	ctx, span := tracking.Tracer.Start(ctx, "postgres.inbox_admit_with_tx")
	defer span.End()

	admission, err := guard.insert(ctx, tx, key)
	if err != nil {
		txflow.HandleSpanError(span, "failed to admit message in transaction", err)
		guard.logger.Log(ctx, log.LevelError, "failed to admit message in transaction", log.Err(err))

		return inbox.AdmissionDuplicate, fmt.Errorf("admitting message: %w", err)
	}

	return admission, nil
}

// Forget deletes the message id so a redelivery is admitted again.
func (guard *Guard) Forget(ctx context.Context, messageID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !guard.initialized() {
		return ErrGuardNotInitialized
	}

	key, err := inbox.NormalizeMessageID(messageID)
	if err != nil {
		return err
	}

	tracking := txflow.NewTrackingFromContext(ctx)

	ctx, span := tracking.Tracer.Start(ctx, "postgres.inbox_forget")
	defer span.End()

	primaryDB, err := guard.primaryDB(ctx)
	if err != nil {
		txflow.HandleSpanError(span, "failed to resolve primary database", err)

		return err
	}

	table := quoteIdentifierPath(guard.tableName)
	query := "DELETE FROM " + table + " WHERE message_id = $1"

	if _, err := primaryDB.ExecContext(ctx, query, key); err != nil {
		txflow.HandleSpanError(span, "failed to forget message", err)
		guard.logger.Log(ctx, log.LevelError, "failed to forget message", log.Err(err))

		return fmt.Errorf("forgetting message: %w", err)
	}

	return nil
}

// PruneBefore deletes processed-message records older than cutoff.
func (guard *Guard) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !guard.initialized() {
		return 0, ErrGuardNotInitialized
	}

	tracking := txflow.NewTrackingFromContext(ctx)

	ctx, span := tracking.Tracer.Start(ctx, "postgres.inbox_prune")
	defer span.End()

	primaryDB, err := guard.primaryDB(ctx)
	if err != nil {
		txflow.HandleSpanError(span, "failed to resolve primary database", err)

		return 0, err
	}

	table := quoteIdentifierPath(guard.tableName)
	query := "DELETE FROM " + table + " WHERE processed_at < $1"

	result, err := primaryDB.ExecContext(ctx, query, cutoff)
	if err != nil {
		txflow.HandleSpanError(span, "failed to prune processed messages", err)
		guard.logger.Log(ctx, log.LevelError, "failed to prune processed messages", log.Err(err))

		return 0, fmt.Errorf("pruning processed messages: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return removed, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (guard *Guard) insert(ctx context.Context, db execer, key string) (inbox.Admission, error) {
	table := quoteIdentifierPath(guard.tableName)
	query := "INSERT INTO " + table + " (message_id, processed_at) VALUES ($1, $2) ON CONFLICT (message_id) DO NOTHING"

	result, err := db.ExecContext(ctx, query, key, time.Now().UTC())
	if err != nil {
		return inbox.AdmissionDuplicate, fmt.Errorf("executing insert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return inbox.AdmissionDuplicate, fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return inbox.AdmissionDuplicate, nil
	}

	return inbox.AdmissionAdmitted, nil
}

func (guard *Guard) initialized() bool {
	return guard != nil && guard.client != nil
}

func (guard *Guard) primaryDB(ctx context.Context) (*sql.DB, error) {
	resolved, err := guard.client.Resolver(ctx)
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
