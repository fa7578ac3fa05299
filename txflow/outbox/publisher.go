package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Publisher delivers one outbox event to the message channel. It must not
// return until the broker has acknowledged the message; the relay marks the
// event PUBLISHED only after Publisher returns nil.
type Publisher func(ctx context.Context, event *OutboxEvent) error

// PublisherRegistry routes outbox events to publishers by event type, with
// an optional default for everything unmatched.
type PublisherRegistry struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
	fallback   Publisher
}

func NewPublisherRegistry() *PublisherRegistry {
	return &PublisherRegistry{publishers: map[string]Publisher{}}
}

// Register binds a publisher to one event type.
func (registry *PublisherRegistry) Register(eventType string, publisher Publisher) error {
	if registry == nil {
		return ErrPublisherRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if publisher == nil {
		return ErrPublisherRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.publishers == nil {
		registry.publishers = make(map[string]Publisher)
	}

	if _, exists := registry.publishers[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrPublisherAlreadyRegistered, normalizedType)
	}

	registry.publishers[normalizedType] = publisher

	return nil
}

// RegisterDefault binds the publisher used for event types with no explicit
// registration. Calling it twice replaces the previous default.
func (registry *PublisherRegistry) RegisterDefault(publisher Publisher) error {
	if registry == nil {
		return ErrPublisherRegistryRequired
	}

	if publisher == nil {
		return ErrPublisherRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.fallback = publisher

	return nil
}

// Publish routes the event to its publisher.
func (registry *PublisherRegistry) Publish(ctx context.Context, event *OutboxEvent) error {
	if registry == nil {
		return ErrPublisherRegistryRequired
	}

	if event == nil {
		return ErrOutboxEventRequired
	}

	eventType := strings.TrimSpace(event.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	registry.mu.RLock()
	publisher, ok := registry.publishers[eventType]

	if !ok {
		publisher = registry.fallback
	}
	registry.mu.RUnlock()

	if publisher == nil {
		return fmt.Errorf("%w: %s", ErrPublisherNotRegistered, eventType)
	}

	return publisher(ctx, event)
}
