package saga

import (
	"context"
	"fmt"
	"strings"
	"sync"

	txflow "github.com/LerianStudio/lib-txflow/txflow"
	"github.com/LerianStudio/lib-txflow/txflow/inbox"
	"github.com/LerianStudio/lib-txflow/txflow/internal/nilcheck"
	"github.com/LerianStudio/lib-txflow/txflow/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// OrchestratorOption mutates orchestrator configuration at construction.
type OrchestratorOption func(*Orchestrator)

// WithFinalizer sets the workflow finalizer invoked on terminal states.
func WithFinalizer(finalizer WorkflowFinalizer) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if nilcheck.Interface(finalizer) {
			return
		}

		orchestrator.finalizer = finalizer
	}
}

// WithNotifier sets the observer notification publisher.
func WithNotifier(notifier Notifier) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if nilcheck.Interface(notifier) {
			return
		}

		orchestrator.notifier = notifier
	}
}

// Orchestrator drives saga instances through their state machine. It is
// reply-driven: a saga advances only when a participant reply arrives,
// never by polling.
type Orchestrator struct {
	repository Repository
	transactor Transactor
	emitter    CommandEmitter
	guard      inbox.Guard
	finalizer  WorkflowFinalizer
	notifier   Notifier
	logger     log.Logger
	tracer     trace.Tracer

	definitionsMu sync.RWMutex
	definitions   map[string]Definition
}

// NewOrchestrator creates a saga orchestrator.
func NewOrchestrator(
	repository Repository,
	transactor Transactor,
	emitter CommandEmitter,
	guard inbox.Guard,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	if nilcheck.Interface(repository) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(transactor) {
		return nil, ErrTransactorRequired
	}

	if nilcheck.Interface(emitter) {
		return nil, ErrEmitterRequired
	}

	if nilcheck.Interface(guard) {
		return nil, ErrGuardRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("txflow.noop")
	}

	return &Orchestrator{
		repository:  repository,
		transactor:  transactor,
		emitter:     emitter,
		guard:       guard,
		logger:      logger,
		tracer:      tracer,
		definitions: make(map[string]Definition),
	}, nil
}

// RegisterDefinition registers a saga definition by name.
func (orchestrator *Orchestrator) RegisterDefinition(definition Definition) error {
	if err := definition.Validate(); err != nil {
		return err
	}

	name := strings.TrimSpace(definition.Name)

	orchestrator.definitionsMu.Lock()
	defer orchestrator.definitionsMu.Unlock()

	if _, exists := orchestrator.definitions[name]; exists {
		return fmt.Errorf("%w: %s", ErrDefinitionAlreadyRegistered, name)
	}

	orchestrator.definitions[name] = definition

	return nil
}

func (orchestrator *Orchestrator) definition(name string) (Definition, error) {
	orchestrator.definitionsMu.RLock()
	defer orchestrator.definitionsMu.RUnlock()

	definition, ok := orchestrator.definitions[strings.TrimSpace(name)]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrDefinitionNotRegistered, name)
	}

	return definition, nil
}

// Start creates a STARTED instance and issues the step 0 command. Instance
// creation and command emission share one transaction.
func (orchestrator *Orchestrator) Start(
	ctx context.Context,
	definitionName string,
	sagaID uuid.UUID,
	initialContext map[string]string,
) (*Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	definition, err := orchestrator.definition(definitionName)
	if err != nil {
		return nil, err
	}

	ctx, span := orchestrator.tracer.Start(ctx, "saga.start")
	defer span.End()

	instance, err := NewInstance(sagaID, definition.Name, initialContext)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("saga.id", instance.ID.String()),
		attribute.String("saga.name", definition.Name),
	)

	err = orchestrator.transactor.WithinTransaction(ctx, func(txCtx context.Context, tx Tx) error {
		if err := orchestrator.repository.Create(txCtx, tx, instance); err != nil {
			return fmt.Errorf("creating saga instance: %w", err)
		}

		return orchestrator.emitStepCommand(txCtx, tx, definition, instance, 0)
	})
	if err != nil {
		txflow.HandleSpanError(span, "failed to start saga", err)
		orchestrator.logger.Log(ctx, log.LevelError, "failed to start saga",
			log.String("saga_id", instance.ID.String()), log.Err(err))

		return nil, err
	}

	orchestrator.logger.Log(ctx, log.LevelInfo, "saga started",
		log.String("saga_id", instance.ID.String()), log.String("saga_name", definition.Name))

	orchestrator.notify(ctx, Notification{
		SubjectID: instance.ID.String(),
		NewState:  StateStarted,
		Message:   "saga started",
	})

	return instance, nil
}

// HandleReply consumes one participant reply. Admission, instance update,
// and any command emission share one transaction; a duplicate reply is
// absorbed without side effects.
func (orchestrator *Orchestrator) HandleReply(ctx context.Context, reply Reply) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := reply.Validate(); err != nil {
		return err
	}

	ctx, span := orchestrator.tracer.Start(ctx, "saga.handle_reply")
	defer span.End()

	span.SetAttributes(
		attribute.String("saga.id", reply.SagaID.String()),
		attribute.Int("saga.step", reply.Step),
		attribute.Bool("saga.reply_success", reply.Success),
		attribute.Bool("saga.reply_compensation", reply.Compensation),
	)

	var pending *Notification

	err := orchestrator.transactor.WithinTransaction(ctx, func(txCtx context.Context, tx Tx) error {
		admission, err := orchestrator.guard.AdmitWithTx(txCtx, tx, reply.MessageID)
		if err != nil {
			return fmt.Errorf("admitting reply: %w", err)
		}

		if admission == inbox.AdmissionDuplicate {
			orchestrator.logger.Log(txCtx, log.LevelDebug, "duplicate reply absorbed",
				log.String("message_id", reply.MessageID))

			return nil
		}

		instance, err := orchestrator.repository.Get(txCtx, tx, reply.SagaID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownSaga, reply.SagaID)
		}

		if IsTerminalState(instance.State) {
			// Late reply after the saga (or the watchdog) already settled
			// the outcome. The loser is a no-op.
			orchestrator.logger.Log(txCtx, log.LevelWarn, "reply for terminal saga ignored",
				log.String("saga_id", instance.ID.String()), log.String("state", instance.State))

			return nil
		}

		definition, err := orchestrator.definition(instance.Name)
		if err != nil {
			return err
		}

		notification, err := orchestrator.applyReply(txCtx, tx, definition, instance, reply)
		if err != nil {
			return err
		}

		pending = notification

		return nil
	})
	if err != nil {
		txflow.HandleSpanError(span, "failed to handle saga reply", err)
		orchestrator.logger.Log(ctx, log.LevelError, "failed to handle saga reply",
			log.String("saga_id", reply.SagaID.String()), log.Int("step", reply.Step), log.Err(err))

		return err
	}

	if pending != nil {
		orchestrator.notify(ctx, *pending)
	}

	return nil
}

func (orchestrator *Orchestrator) applyReply(
	ctx context.Context,
	tx Tx,
	definition Definition,
	instance *Instance,
	reply Reply,
) (*Notification, error) {
	switch {
	case reply.Compensation:
		return orchestrator.applyCompensationReply(ctx, tx, definition, instance, reply)
	case reply.Success:
		return orchestrator.applySuccessReply(ctx, tx, definition, instance, reply)
	default:
		return orchestrator.applyFailureReply(ctx, tx, definition, instance, reply)
	}
}

func (orchestrator *Orchestrator) applySuccessReply(
	ctx context.Context,
	tx Tx,
	definition Definition,
	instance *Instance,
	reply Reply,
) (*Notification, error) {
	if instance.State == StateCompensating {
		// A forward reply that raced the failure is stale; compensation is
		// already in flight.
		orchestrator.logger.Log(ctx, log.LevelWarn, "forward reply ignored while compensating",
			log.String("saga_id", instance.ID.String()), log.Int("step", reply.Step))

		return nil, nil
	}

	if reply.Step != instance.CurrentStep {
		return nil, fmt.Errorf("%w: reply step %d, saga at %d", ErrStepMismatch, reply.Step, instance.CurrentStep)
	}

	step, ok := definition.StepAt(reply.Step)
	if !ok {
		return nil, fmt.Errorf("%w: reply step %d out of range", ErrStepMismatch, reply.Step)
	}

	if missing := missingCompensationKeys(step, reply.Result); len(missing) > 0 {
		// Without the retained identifier the compensating command could
		// never be built. Park the saga for the watchdog instead of
		// advancing into an uncompensatable position.
		orchestrator.logger.Log(ctx, log.LevelError, "success reply missing compensation data",
			log.String("saga_id", instance.ID.String()),
			log.Int("step", reply.Step),
			log.String("missing_keys", strings.Join(missing, ",")))

		return nil, fmt.Errorf("%w: step %d missing %s", ErrMissingCompensationData, reply.Step, strings.Join(missing, ","))
	}

	instance.MergeContext(reply.Result)

	if reply.Step == definition.LastStepIndex() {
		if err := ValidateStateTransition(instance.State, StateCompleted); err != nil {
			return nil, err
		}

		instance.State = StateCompleted

		if err := orchestrator.repository.Update(ctx, tx, instance); err != nil {
			return nil, fmt.Errorf("updating saga instance: %w", err)
		}

		if err := orchestrator.finalize(ctx, tx, instance, true, ""); err != nil {
			return nil, err
		}

		orchestrator.logger.Log(ctx, log.LevelInfo, "saga completed",
			log.String("saga_id", instance.ID.String()))

		return &Notification{
			SubjectID: instance.ID.String(),
			NewState:  StateCompleted,
			Message:   "saga completed",
		}, nil
	}

	if err := ValidateStateTransition(instance.State, StateStepCompleted); err != nil {
		return nil, err
	}

	instance.State = StateStepCompleted
	instance.CurrentStep = reply.Step + 1

	if err := orchestrator.repository.Update(ctx, tx, instance); err != nil {
		return nil, fmt.Errorf("updating saga instance: %w", err)
	}

	return nil, orchestrator.emitStepCommand(ctx, tx, definition, instance, instance.CurrentStep)
}

func (orchestrator *Orchestrator) applyFailureReply(
	ctx context.Context,
	tx Tx,
	definition Definition,
	instance *Instance,
	reply Reply,
) (*Notification, error) {
	if instance.State == StateCompensating {
		orchestrator.logger.Log(ctx, log.LevelWarn, "failure reply ignored while compensating",
			log.String("saga_id", instance.ID.String()), log.Int("step", reply.Step))

		return nil, nil
	}

	// The reply step picks where compensation starts; a stale reply for an
	// earlier step would skip completed steps entirely.
	if reply.Step != instance.CurrentStep {
		return nil, fmt.Errorf("%w: failure reply step %d, saga at %d", ErrStepMismatch, reply.Step, instance.CurrentStep)
	}

	if err := ValidateStateTransition(instance.State, StateCompensating); err != nil {
		return nil, err
	}

	reason := strings.TrimSpace(reply.Reason)
	if reason == "" {
		reason = "step failed"
	}

	instance.MergeContext(map[string]string{FailureReasonKey: reason})

	orchestrator.logger.Log(ctx, log.LevelWarn, "saga step failed, compensating",
		log.String("saga_id", instance.ID.String()),
		log.Int("step", reply.Step),
		log.String("reason", reason))

	// The failed step's local transaction rolled back on the participant
	// side; compensation targets the steps completed before it.
	compensable := definition.NextCompensableStep(reply.Step)
	if compensable < 0 {
		return orchestrator.settleFailed(ctx, tx, instance, reason)
	}

	instance.State = StateCompensating
	instance.CurrentStep = compensable

	if err := orchestrator.repository.Update(ctx, tx, instance); err != nil {
		return nil, fmt.Errorf("updating saga instance: %w", err)
	}

	return nil, orchestrator.emitCompensationCommand(ctx, tx, definition, instance, compensable)
}

func (orchestrator *Orchestrator) applyCompensationReply(
	ctx context.Context,
	tx Tx,
	definition Definition,
	instance *Instance,
	reply Reply,
) (*Notification, error) {
	if instance.State != StateCompensating {
		orchestrator.logger.Log(ctx, log.LevelWarn, "compensation reply ignored outside compensation",
			log.String("saga_id", instance.ID.String()),
			log.String("state", instance.State),
			log.Int("step", reply.Step))

		return nil, nil
	}

	if !reply.Success {
		// Compensations are idempotent, so redelivery retries this step;
		// the watchdog is the backstop if it never succeeds.
		orchestrator.logger.Log(ctx, log.LevelError, "compensation failed",
			log.String("saga_id", instance.ID.String()),
			log.Int("step", reply.Step),
			log.String("reason", reply.Reason))

		return nil, fmt.Errorf("%w: step %d: %s", ErrCompensationFailed, reply.Step, reply.Reason)
	}

	if reply.Step != instance.CurrentStep {
		return nil, fmt.Errorf("%w: compensation reply step %d, saga at %d",
			ErrStepMismatch, reply.Step, instance.CurrentStep)
	}

	next := definition.NextCompensableStep(reply.Step)
	if next < 0 {
		return orchestrator.settleFailed(ctx, tx, instance, instance.FailureReason())
	}

	instance.CurrentStep = next

	if err := orchestrator.repository.Update(ctx, tx, instance); err != nil {
		return nil, fmt.Errorf("updating saga instance: %w", err)
	}

	return nil, orchestrator.emitCompensationCommand(ctx, tx, definition, instance, next)
}

func (orchestrator *Orchestrator) settleFailed(
	ctx context.Context,
	tx Tx,
	instance *Instance,
	reason string,
) (*Notification, error) {
	if instance.State != StateCompensating {
		if err := ValidateStateTransition(instance.State, StateCompensating); err != nil {
			return nil, err
		}
	}

	if err := ValidateStateTransition(StateCompensating, StateFailed); err != nil {
		return nil, err
	}

	instance.State = StateFailed

	if err := orchestrator.repository.Update(ctx, tx, instance); err != nil {
		return nil, fmt.Errorf("updating saga instance: %w", err)
	}

	if err := orchestrator.finalize(ctx, tx, instance, false, reason); err != nil {
		return nil, err
	}

	orchestrator.logger.Log(ctx, log.LevelWarn, "saga failed",
		log.String("saga_id", instance.ID.String()), log.String("reason", reason))

	return &Notification{
		SubjectID: instance.ID.String(),
		NewState:  StateFailed,
		Message:   reason,
	}, nil
}

func (orchestrator *Orchestrator) emitStepCommand(
	ctx context.Context,
	tx Tx,
	definition Definition,
	instance *Instance,
	stepIndex int,
) error {
	step, ok := definition.StepAt(stepIndex)
	if !ok {
		return fmt.Errorf("%w: step %d out of range", ErrStepMismatch, stepIndex)
	}

	command, err := NewCommand(instance.ID, stepIndex, step.CommandType, commandBody(instance.Context))
	if err != nil {
		return err
	}

	if err := orchestrator.emitter.Emit(ctx, tx, command); err != nil {
		return fmt.Errorf("emitting command for step %d: %w", stepIndex, err)
	}

	return nil
}

func (orchestrator *Orchestrator) emitCompensationCommand(
	ctx context.Context,
	tx Tx,
	definition Definition,
	instance *Instance,
	stepIndex int,
) error {
	step, ok := definition.StepAt(stepIndex)
	if !ok {
		return fmt.Errorf("%w: step %d out of range", ErrStepMismatch, stepIndex)
	}

	command, err := NewCommand(instance.ID, stepIndex, step.CompensationType, compensationBody(step, instance.Context))
	if err != nil {
		return err
	}

	command.Compensation = true

	if err := orchestrator.emitter.Emit(ctx, tx, command); err != nil {
		return fmt.Errorf("emitting compensation for step %d: %w", stepIndex, err)
	}

	return nil
}

func (orchestrator *Orchestrator) finalize(
	ctx context.Context,
	tx Tx,
	instance *Instance,
	success bool,
	reason string,
) error {
	if orchestrator.finalizer == nil {
		return nil
	}

	if err := orchestrator.finalizer.Finalize(ctx, tx, instance.ID, success, reason); err != nil {
		return fmt.Errorf("finalizing workflow: %w", err)
	}

	return nil
}

func (orchestrator *Orchestrator) notify(ctx context.Context, notification Notification) {
	if orchestrator.notifier == nil {
		return
	}

	if err := orchestrator.notifier.Notify(ctx, notification); err != nil {
		// Notifications are fire-and-forget; observers catch up later.
		orchestrator.logger.Log(ctx, log.LevelWarn, "failed to publish notification",
			log.String("subject_id", notification.SubjectID), log.Err(err))
	}
}

// commandBody clones the instance context for a forward command, dropping
// reserved keys.
func commandBody(instanceContext map[string]string) map[string]string {
	if len(instanceContext) == 0 {
		return nil
	}

	body := make(map[string]string, len(instanceContext))

	for key, value := range instanceContext {
		if strings.HasPrefix(key, "_") {
			continue
		}

		body[key] = value
	}

	return body
}
