package saga

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// Tx is the transaction handle shared across saga ports. Memory adapters
// pass nil.
type Tx = *sql.Tx

// Repository persists saga instances.
type Repository interface {
	// Create stores a new instance.
	Create(ctx context.Context, tx Tx, instance *Instance) error

	// Get loads an instance by id. Returns ErrInstanceNotFound when absent.
	Get(ctx context.Context, tx Tx, id uuid.UUID) (*Instance, error)

	// Update persists the instance guarded by its Version and bumps it.
	// Returns ErrVersionConflict when another writer got there first.
	Update(ctx context.Context, tx Tx, instance *Instance) error
}

// Transactor runs a function within one local transaction. The postgres
// adapter opens a real transaction; the memory adapter invokes fn with a
// nil handle.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// CommandEmitter hands a command to the message channel. Implementations
// backed by the outbox append in the given transaction, so the instance
// update and the command emission commit atomically.
type CommandEmitter interface {
	Emit(ctx context.Context, tx Tx, command Command) error
}

// WorkflowFinalizer moves the workflow aggregate into its terminal state
// when the saga completes or fails. The failure reason is the
// compensation-confirmed business reason, not the internal failed step.
type WorkflowFinalizer interface {
	Finalize(ctx context.Context, tx Tx, sagaID uuid.UUID, success bool, reason string) error
}

// Notifier publishes fire-and-forget status events for observers.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, notification Notification) error

// Notify calls fn.
func (fn NotifierFunc) Notify(ctx context.Context, notification Notification) error {
	return fn(ctx, notification)
}
