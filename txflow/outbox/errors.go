package outbox

import "errors"

var (
	ErrOutboxEventRequired        = errors.New("outbox event is required")
	ErrOutboxRepositoryRequired   = errors.New("outbox repository is required")
	ErrOutboxRelayRequired        = errors.New("outbox relay is required")
	ErrOutboxRelayRunning         = errors.New("outbox relay is already running")
	ErrOutboxEventPayloadRequired = errors.New("outbox event payload is required")
	ErrOutboxEventPayloadTooLarge = errors.New("outbox event payload exceeds maximum allowed size")
	ErrOutboxEventPayloadNotJSON  = errors.New("outbox event payload must be valid JSON (stored as JSONB)")
	ErrPublisherRegistryRequired  = errors.New("publisher registry is required")
	ErrEventTypeRequired          = errors.New("event type is required")
	ErrPublisherRequired          = errors.New("publisher is required")
	ErrPublisherAlreadyRegistered = errors.New("publisher already registered")
	ErrPublisherNotRegistered     = errors.New("no publisher registered for event type")
	ErrOutboxStatusInvalid        = errors.New("invalid outbox status")
	ErrOutboxTransitionInvalid    = errors.New("invalid outbox status transition")
)
