// Package memory provides an in-memory outbox repository for tests and
// single-process deployments. Semantics mirror the postgres adapter: list
// and reset operations claim rows by moving them to PROCESSING.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LerianStudio/lib-txflow/txflow/outbox"
	"github.com/google/uuid"
)

// Repository is a mutex-guarded in-memory outbox store.
type Repository struct {
	mu     sync.Mutex
	events map[uuid.UUID]*outbox.OutboxEvent
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates an empty in-memory outbox repository.
func NewRepository() *Repository {
	return &Repository{events: make(map[uuid.UUID]*outbox.OutboxEvent)}
}

// Create stores a new outbox event.
func (repo *Repository) Create(_ context.Context, event *outbox.OutboxEvent) (*outbox.OutboxEvent, error) {
	if event == nil {
		return nil, outbox.ErrOutboxEventRequired
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := cloneEvent(event)
	stored.Status = outbox.OutboxStatusPending
	stored.Attempts = 0
	stored.PublishedAt = nil
	stored.LastError = ""

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	if stored.UpdatedAt.IsZero() || stored.UpdatedAt.Before(stored.CreatedAt) {
		stored.UpdatedAt = stored.CreatedAt
	}

	repo.events[stored.ID] = stored

	return cloneEvent(stored), nil
}

// CreateWithTx stores a new outbox event. The in-memory store has no real
// transactions; the tx handle is accepted for interface compatibility.
func (repo *Repository) CreateWithTx(ctx context.Context, _ outbox.Tx, event *outbox.OutboxEvent) (*outbox.OutboxEvent, error) {
	return repo.Create(ctx, event)
}

// GetByID retrieves an outbox event by id.
func (repo *Repository) GetByID(_ context.Context, id uuid.UUID) (*outbox.OutboxEvent, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return nil, outbox.ErrOutboxEventRequired
	}

	return cloneEvent(event), nil
}

// ListPending claims pending events oldest first, up to limit.
func (repo *Repository) ListPending(_ context.Context, limit int) ([]*outbox.OutboxEvent, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	candidates := repo.selectByStatus(outbox.OutboxStatusPending, func(event *outbox.OutboxEvent) bool {
		return true
	})

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()

	return repo.claim(candidates, now, false), nil
}

// MarkPublished marks a claimed event as published. PUBLISHED is terminal.
func (repo *Repository) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return outbox.ErrOutboxEventRequired
	}

	if err := outbox.ValidateOutboxTransition(event.Status, outbox.OutboxStatusPublished); err != nil {
		return err
	}

	published := publishedAt
	event.Status = outbox.OutboxStatusPublished
	event.PublishedAt = &published
	event.UpdatedAt = time.Now().UTC()

	return nil
}

// MarkFailed marks a claimed event as failed, or invalid once attempts are
// exhausted.
func (repo *Repository) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return outbox.ErrOutboxEventRequired
	}

	if err := outbox.ValidateOutboxTransition(event.Status, outbox.OutboxStatusFailed); err != nil {
		return err
	}

	event.Attempts++
	event.UpdatedAt = time.Now().UTC()

	if event.Attempts >= maxAttempts {
		event.Status = outbox.OutboxStatusInvalid
		event.LastError = "max dispatch attempts exceeded"

		return nil
	}

	event.Status = outbox.OutboxStatusFailed
	event.LastError = errMsg

	return nil
}

// MarkInvalid marks a claimed event as invalid.
func (repo *Repository) MarkInvalid(_ context.Context, id uuid.UUID, errMsg string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return outbox.ErrOutboxEventRequired
	}

	if err := outbox.ValidateOutboxTransition(event.Status, outbox.OutboxStatusInvalid); err != nil {
		return err
	}

	event.Status = outbox.OutboxStatusInvalid
	event.LastError = errMsg
	event.UpdatedAt = time.Now().UTC()

	return nil
}

// ResetForRetry reclaims failed events older than failedBefore with attempts
// remaining.
func (repo *Repository) ResetForRetry(
	_ context.Context,
	limit int,
	failedBefore time.Time,
	maxAttempts int,
) ([]*outbox.OutboxEvent, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	candidates := repo.selectByStatus(outbox.OutboxStatusFailed, func(event *outbox.OutboxEvent) bool {
		return event.Attempts < maxAttempts && !event.UpdatedAt.After(failedBefore)
	})

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()

	return repo.claim(candidates, now, false), nil
}

// ResetStuckProcessing reclaims events stuck in PROCESSING past the deadline.
// Events whose next attempt would exceed maxAttempts become INVALID.
func (repo *Repository) ResetStuckProcessing(
	_ context.Context,
	limit int,
	processingBefore time.Time,
	maxAttempts int,
) ([]*outbox.OutboxEvent, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	candidates := repo.selectByStatus(outbox.OutboxStatusProcessing, func(event *outbox.OutboxEvent) bool {
		return !event.UpdatedAt.After(processingBefore)
	})

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()
	reclaimed := make([]*outbox.OutboxEvent, 0, len(candidates))

	for _, event := range candidates {
		if event.Attempts+1 >= maxAttempts {
			event.Attempts++
			event.Status = outbox.OutboxStatusInvalid
			event.LastError = "max dispatch attempts exceeded"
			event.UpdatedAt = now

			continue
		}

		event.Attempts++
		event.UpdatedAt = now

		reclaimed = append(reclaimed, cloneEvent(event))
	}

	return reclaimed, nil
}

// selectByStatus returns stored events (not clones) matching status and
// predicate. Callers hold the lock.
func (repo *Repository) selectByStatus(status string, match func(*outbox.OutboxEvent) bool) []*outbox.OutboxEvent {
	result := make([]*outbox.OutboxEvent, 0)

	for _, event := range repo.events {
		if event.Status != status {
			continue
		}

		if !match(event) {
			continue
		}

		result = append(result, event)
	}

	return result
}

// claim moves events to PROCESSING and returns clones. Callers hold the lock.
func (repo *Repository) claim(events []*outbox.OutboxEvent, now time.Time, bumpAttempts bool) []*outbox.OutboxEvent {
	claimed := make([]*outbox.OutboxEvent, 0, len(events))

	for _, event := range events {
		event.Status = outbox.OutboxStatusProcessing
		event.UpdatedAt = now

		if bumpAttempts {
			event.Attempts++
		}

		claimed = append(claimed, cloneEvent(event))
	}

	return claimed
}

func cloneEvent(event *outbox.OutboxEvent) *outbox.OutboxEvent {
	clone := *event

	if event.Payload != nil {
		clone.Payload = append([]byte(nil), event.Payload...)
	}

	if event.PublishedAt != nil {
		published := *event.PublishedAt
		clone.PublishedAt = &published
	}

	return &clone
}
