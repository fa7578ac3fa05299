package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LerianStudio/lib-txflow/txflow/outbox"
)

// OutboxEmitter emits saga commands and notifications as outbox events, so
// emission shares the caller's transaction and the relay carries the
// messages to the channel.
type OutboxEmitter struct {
	repository outbox.Repository
}

var _ CommandEmitter = (*OutboxEmitter)(nil)

// NewOutboxEmitter creates an emitter backed by the given outbox repository.
func NewOutboxEmitter(repository outbox.Repository) (*OutboxEmitter, error) {
	if repository == nil {
		return nil, outbox.ErrOutboxRepositoryRequired
	}

	return &OutboxEmitter{repository: repository}, nil
}

// Emit appends the command to the outbox in the given transaction. The
// command type becomes the event type, so outbox publishers route by it.
func (emitter *OutboxEmitter) Emit(ctx context.Context, tx Tx, command Command) error {
	payload, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}

	event, err := outbox.NewOutboxEvent(command.Type, command.SagaID, payload)
	if err != nil {
		return fmt.Errorf("building outbox event: %w", err)
	}

	if tx != nil {
		_, err = emitter.repository.CreateWithTx(ctx, tx, event)
	} else {
		_, err = emitter.repository.Create(ctx, event)
	}

	if err != nil {
		return fmt.Errorf("appending command to outbox: %w", err)
	}

	return nil
}
