package saga

import "fmt"

// Saga instance states.
const (
	// StateStarted is the initial state; the step 0 command has been issued.
	StateStarted = "STARTED"
	// StateStepCompleted means the last forward step succeeded and the next
	// command has been issued.
	StateStepCompleted = "STEP_COMPLETED"
	// StateCompensating means a step failed and compensations are being
	// issued in reverse order.
	StateCompensating = "COMPENSATING"
	// StateCompleted is the terminal success state.
	StateCompleted = "COMPLETED"
	// StateFailed is the terminal failure state, reached after all
	// compensations acknowledged.
	StateFailed = "FAILED"
)

var sagaTransitions = map[string]map[string]struct{}{
	StateStarted: {
		StateStepCompleted: {},
		StateCompleted:     {},
		StateCompensating:  {},
		StateFailed:        {},
	},
	StateStepCompleted: {
		StateStepCompleted: {},
		StateCompleted:     {},
		StateCompensating:  {},
	},
	StateCompensating: {
		StateCompensating: {},
		StateFailed:       {},
	},
	StateCompleted: {},
	StateFailed:    {},
}

// IsValidState reports whether value names a known saga state.
func IsValidState(value string) bool {
	_, ok := sagaTransitions[value]

	return ok
}

// IsTerminalState reports whether value is COMPLETED or FAILED.
func IsTerminalState(value string) bool {
	return value == StateCompleted || value == StateFailed
}

// ValidateStateTransition checks a saga state transition against the state
// machine. Transitions are monotonic: terminal states accept nothing.
func ValidateStateTransition(from, to string) error {
	allowed, ok := sagaTransitions[from]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSagaStateInvalid, from)
	}

	if _, ok := sagaTransitions[to]; !ok {
		return fmt.Errorf("%w: %q", ErrSagaStateInvalid, to)
	}

	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrSagaTransitionInvalid, from, to)
	}

	return nil
}
