package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds stored payload size (1 MiB).
const DefaultMaxPayloadBytes = 1 << 20

// OutboxEvent is an event stored in the outbox for reliable delivery.
// Exactly one row exists per business event; rows are created by business
// transactions and mutated only by the Relay.
type OutboxEvent struct {
	ID          uuid.UUID
	EventType   string
	AggregateID uuid.UUID
	Payload     []byte
	Status      string
	Attempts    int
	PublishedAt *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewOutboxEvent creates a valid outbox event initialized as pending.
func NewOutboxEvent(eventType string, aggregateID uuid.UUID, payload []byte) (*OutboxEvent, error) {
	return NewOutboxEventWithID(uuid.New(), eventType, aggregateID, payload)
}

// NewOutboxEventWithID creates a valid outbox event initialized as pending
// using a caller-provided ID. Callers that derive the ID deterministically
// from the business operation get stable message ids across retries.
func NewOutboxEventWithID(
	eventID uuid.UUID,
	eventType string,
	aggregateID uuid.UUID,
	payload []byte,
) (*OutboxEvent, error) {
	if eventID == uuid.Nil {
		return nil, fmt.Errorf("outbox event id: %w", ErrOutboxEventRequired)
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("outbox event type: %w", ErrEventTypeRequired)
	}

	if aggregateID == uuid.Nil {
		return nil, fmt.Errorf("outbox event aggregate id: %w", ErrOutboxEventRequired)
	}

	if len(payload) == 0 {
		return nil, ErrOutboxEventPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, ErrOutboxEventPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrOutboxEventPayloadNotJSON
	}

	now := time.Now().UTC()

	return &OutboxEvent{
		ID:          eventID,
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      OutboxStatusPending,
		Attempts:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
