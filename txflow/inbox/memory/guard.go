// Package memory provides an in-memory inbox guard for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/LerianStudio/lib-txflow/txflow/inbox"
)

// Guard is a mutex-guarded in-memory processed-message store with the same
// one-winner semantics as the postgres adapter.
type Guard struct {
	mu        sync.Mutex
	processed map[string]time.Time
}

var _ inbox.Guard = (*Guard)(nil)

// NewGuard creates an empty in-memory guard.
func NewGuard() *Guard {
	return &Guard{processed: make(map[string]time.Time)}
}

// Admit records the message id; the first caller wins.
func (guard *Guard) Admit(_ context.Context, messageID string) (inbox.Admission, error) {
	key, err := inbox.NormalizeMessageID(messageID)
	if err != nil {
		return inbox.AdmissionDuplicate, err
	}

	guard.mu.Lock()
	defer guard.mu.Unlock()

	if _, seen := guard.processed[key]; seen {
		return inbox.AdmissionDuplicate, nil
	}

	guard.processed[key] = time.Now().UTC()

	return inbox.AdmissionAdmitted, nil
}

// AdmitWithTx records the message id. The in-memory store has no real
// transactions; the tx handle is accepted for interface compatibility.
func (guard *Guard) AdmitWithTx(ctx context.Context, _ inbox.Tx, messageID string) (inbox.Admission, error) {
	return guard.Admit(ctx, messageID)
}

// Forget releases an admission so the next delivery of the id is admitted.
func (guard *Guard) Forget(_ context.Context, messageID string) error {
	key, err := inbox.NormalizeMessageID(messageID)
	if err != nil {
		return err
	}

	guard.mu.Lock()
	defer guard.mu.Unlock()

	delete(guard.processed, key)

	return nil
}

// PruneBefore deletes records processed before cutoff.
func (guard *Guard) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	guard.mu.Lock()
	defer guard.mu.Unlock()

	var removed int64

	for key, processedAt := range guard.processed {
		if processedAt.Before(cutoff) {
			delete(guard.processed, key)

			removed++
		}
	}

	return removed, nil
}
