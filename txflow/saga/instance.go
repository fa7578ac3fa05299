package saga

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// FailureReasonKey is the reserved context key holding the business reason
// a saga entered compensation. It is reported on finalization.
const FailureReasonKey = "_failure_reason"

// Instance is the persisted state of one saga execution. It is owned
// exclusively by the orchestrator; steps resumed by inbound replies reload
// it by id, never from in-memory state.
type Instance struct {
	ID          uuid.UUID
	Name        string
	CurrentStep int
	State       string
	// Context accumulates reply data needed later, in particular resource
	// identifiers the compensating commands require.
	Context   map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Version is bumped on every update; repositories reject stale writes.
	Version int64
}

// NewInstance creates a STARTED instance for the named definition.
func NewInstance(id uuid.UUID, name string, initialContext map[string]string) (*Instance, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrDefinitionNameRequired
	}

	now := time.Now().UTC()

	instanceContext := make(map[string]string, len(initialContext))
	for key, value := range initialContext {
		instanceContext[key] = value
	}

	return &Instance{
		ID:          id,
		Name:        name,
		CurrentStep: 0,
		State:       StateStarted,
		Context:     instanceContext,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}, nil
}

// MergeContext copies reply data into the instance context.
func (instance *Instance) MergeContext(data map[string]string) {
	if len(data) == 0 {
		return
	}

	if instance.Context == nil {
		instance.Context = make(map[string]string, len(data))
	}

	for key, value := range data {
		instance.Context[key] = value
	}
}

// FailureReason returns the recorded business failure reason, if any.
func (instance *Instance) FailureReason() string {
	if instance.Context == nil {
		return ""
	}

	return instance.Context[FailureReasonKey]
}

// Clone returns a deep copy of the instance.
func (instance *Instance) Clone() *Instance {
	if instance == nil {
		return nil
	}

	clone := *instance

	if instance.Context != nil {
		clone.Context = make(map[string]string, len(instance.Context))
		for key, value := range instance.Context {
			clone.Context[key] = value
		}
	}

	return &clone
}
