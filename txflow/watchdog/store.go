package watchdog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStoreRequired indicates a nil watchdog store.
	ErrStoreRequired = errors.New("watchdog store is required")

	// ErrSweeperRequired indicates a nil sweeper receiver.
	ErrSweeperRequired = errors.New("watchdog sweeper is required")

	// ErrSweeperRunning indicates the sweeper loop is already running.
	ErrSweeperRunning = errors.New("watchdog sweeper already running")

	// ErrStatesRequired indicates an empty in-flight state set.
	ErrStatesRequired = errors.New("at least one in-flight state is required")
)

// Item is a workflow aggregate or saga instance eligible for a forced
// failure. Version carries the optimistic lock the forced transition is
// guarded by.
type Item struct {
	ID        uuid.UUID
	State     string
	Version   int64
	UpdatedAt time.Time
}

// Store is the persistence port the sweeper scans and writes through.
type Store interface {
	// ListExpired returns items whose state is one of states and whose
	// updatedAt is at or before cutoff, oldest first, up to limit.
	ListExpired(ctx context.Context, states []string, cutoff time.Time, limit int) ([]Item, error)

	// ForceFail transitions the item to its terminal failure state, guarded
	// by the item's version and an in-flight state check. It reports false
	// when the guard failed, meaning another writer settled the item first;
	// the caller treats that as a no-op, not an error.
	ForceFail(ctx context.Context, id uuid.UUID, version int64, reason string) (bool, error)
}
