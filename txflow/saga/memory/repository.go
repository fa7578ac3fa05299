// Package memory provides in-memory saga instance storage for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LerianStudio/lib-txflow/txflow/saga"
	"github.com/LerianStudio/lib-txflow/txflow/watchdog"
	"github.com/google/uuid"
)

// Repository is a mutex-guarded in-memory saga instance store with the
// same optimistic versioning semantics as the postgres adapter.
type Repository struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*saga.Instance
}

var (
	_ saga.Repository = (*Repository)(nil)
	_ watchdog.Store  = (*Repository)(nil)
)

// NewRepository creates an empty in-memory saga repository.
func NewRepository() *Repository {
	return &Repository{instances: make(map[uuid.UUID]*saga.Instance)}
}

// Create stores a new instance.
func (repo *Repository) Create(_ context.Context, _ saga.Tx, instance *saga.Instance) error {
	if instance == nil {
		return saga.ErrInstanceRequired
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.instances[instance.ID] = instance.Clone()

	return nil
}

// Get loads an instance by id.
func (repo *Repository) Get(_ context.Context, _ saga.Tx, id uuid.UUID) (*saga.Instance, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	instance, ok := repo.instances[id]
	if !ok {
		return nil, saga.ErrInstanceNotFound
	}

	return instance.Clone(), nil
}

// Update persists the instance guarded by its version.
func (repo *Repository) Update(_ context.Context, _ saga.Tx, instance *saga.Instance) error {
	if instance == nil {
		return saga.ErrInstanceRequired
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored, ok := repo.instances[instance.ID]
	if !ok {
		return saga.ErrInstanceNotFound
	}

	if stored.Version != instance.Version {
		return saga.ErrVersionConflict
	}

	updated := instance.Clone()
	updated.Version++
	updated.UpdatedAt = time.Now().UTC()

	repo.instances[instance.ID] = updated

	instance.Version = updated.Version
	instance.UpdatedAt = updated.UpdatedAt

	return nil
}

// ListExpired returns instances stuck in one of states past cutoff.
func (repo *Repository) ListExpired(
	_ context.Context,
	states []string,
	cutoff time.Time,
	limit int,
) ([]watchdog.Item, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	inFlight := make(map[string]struct{}, len(states))
	for _, state := range states {
		inFlight[state] = struct{}{}
	}

	items := make([]watchdog.Item, 0)

	for _, instance := range repo.instances {
		if _, ok := inFlight[instance.State]; !ok {
			continue
		}

		if instance.UpdatedAt.After(cutoff) {
			continue
		}

		items = append(items, watchdog.Item{
			ID:        instance.ID,
			State:     instance.State,
			Version:   instance.Version,
			UpdatedAt: instance.UpdatedAt,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})

	if len(items) > limit {
		items = items[:limit]
	}

	return items, nil
}

// ForceFail transitions the instance to FAILED, guarded by version and a
// non-terminal state check. Returns false when the guard lost the race.
func (repo *Repository) ForceFail(
	_ context.Context,
	id uuid.UUID,
	version int64,
	reason string,
) (bool, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	instance, ok := repo.instances[id]
	if !ok {
		return false, saga.ErrInstanceNotFound
	}

	if instance.Version != version || saga.IsTerminalState(instance.State) {
		return false, nil
	}

	instance.State = saga.StateFailed
	instance.MergeContext(map[string]string{saga.FailureReasonKey: reason})
	instance.Version++
	instance.UpdatedAt = time.Now().UTC()

	return true, nil
}

// Transactor is the no-op transactor for in-memory storage: fn runs with a
// nil transaction handle.
type Transactor struct{}

var _ saga.Transactor = (*Transactor)(nil)

// NewTransactor creates a no-op transactor.
func NewTransactor() *Transactor {
	return &Transactor{}
}

// WithinTransaction invokes fn directly.
func (transactor *Transactor) WithinTransaction(
	ctx context.Context,
	fn func(ctx context.Context, tx saga.Tx) error,
) error {
	return fn(ctx, nil)
}
