package saga

import "errors"

var (
	// ErrDefinitionRequired indicates a nil or empty saga definition.
	ErrDefinitionRequired = errors.New("saga definition is required")

	// ErrDefinitionNameRequired indicates a definition without a name.
	ErrDefinitionNameRequired = errors.New("saga definition name is required")

	// ErrDefinitionNoSteps indicates a definition without steps.
	ErrDefinitionNoSteps = errors.New("saga definition has no steps")

	// ErrStepCommandTypeRequired indicates a step without a command type.
	ErrStepCommandTypeRequired = errors.New("saga step command type is required")

	// ErrDefinitionNotRegistered indicates no definition exists for the name.
	ErrDefinitionNotRegistered = errors.New("saga definition not registered")

	// ErrDefinitionAlreadyRegistered indicates a duplicate definition name.
	ErrDefinitionAlreadyRegistered = errors.New("saga definition already registered")

	// ErrInstanceRequired indicates a nil saga instance.
	ErrInstanceRequired = errors.New("saga instance is required")

	// ErrInstanceNotFound indicates the saga id matches no stored instance.
	ErrInstanceNotFound = errors.New("saga instance not found")

	// ErrVersionConflict indicates an optimistic concurrency conflict on update.
	ErrVersionConflict = errors.New("saga instance version conflict")

	// ErrSagaStateInvalid indicates an unknown saga state value.
	ErrSagaStateInvalid = errors.New("invalid saga state")

	// ErrSagaTransitionInvalid indicates a forbidden state transition.
	ErrSagaTransitionInvalid = errors.New("invalid saga state transition")

	// ErrSagaTerminal indicates the saga already reached a terminal state.
	ErrSagaTerminal = errors.New("saga instance is terminal")

	// ErrUnknownSaga indicates a reply referencing no known saga instance.
	// This is a protocol violation: the message is rejected, not dropped.
	ErrUnknownSaga = errors.New("reply references unknown saga")

	// ErrStepMismatch indicates a reply whose step does not match the
	// instance's current position.
	ErrStepMismatch = errors.New("reply step does not match saga position")

	// ErrMissingCompensationData indicates a success reply that lacks an
	// identifier its step's compensation requires. The saga is parked; the
	// watchdog resolves it.
	ErrMissingCompensationData = errors.New("success reply missing data required for compensation")

	// ErrRepositoryRequired indicates a nil instance repository.
	ErrRepositoryRequired = errors.New("saga repository is required")

	// ErrEmitterRequired indicates a nil command emitter.
	ErrEmitterRequired = errors.New("command emitter is required")

	// ErrTransactorRequired indicates a nil transactor.
	ErrTransactorRequired = errors.New("transactor is required")

	// ErrGuardRequired indicates a nil inbox guard.
	ErrGuardRequired = errors.New("inbox guard is required")

	// ErrHandlerRequired indicates a nil command handler.
	ErrHandlerRequired = errors.New("command handler is required")

	// ErrHandlerAlreadyRegistered indicates a duplicate handler for a command type.
	ErrHandlerAlreadyRegistered = errors.New("handler already registered for command type")

	// ErrHandlerNotRegistered indicates no handler exists for a command type.
	ErrHandlerNotRegistered = errors.New("no handler registered for command type")

	// ErrCommandTypeRequired indicates a command without a type tag.
	ErrCommandTypeRequired = errors.New("command type is required")

	// ErrMessageIDRequired indicates a message without a message id.
	ErrMessageIDRequired = errors.New("message id is required")

	// ErrCompensationFailed indicates a compensation reply reporting failure.
	// The saga stays in COMPENSATING; the watchdog resolves it.
	ErrCompensationFailed = errors.New("compensation reported failure")
)
