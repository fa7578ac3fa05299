package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	txflow "github.com/LerianStudio/lib-txflow/txflow"
	"github.com/LerianStudio/lib-txflow/txflow/circuitbreaker"
	"github.com/LerianStudio/lib-txflow/txflow/inbox"
	"github.com/LerianStudio/lib-txflow/txflow/internal/nilcheck"
	"github.com/LerianStudio/lib-txflow/txflow/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// BusinessError is a deterministic business rule failure. It is converted
// into a failure reply and never retried: retrying a rejected pivot step
// would not change the outcome.
type BusinessError struct {
	Reason string
}

// Error returns the business failure reason.
func (businessErr *BusinessError) Error() string {
	return businessErr.Reason
}

// NewBusinessError creates a business failure with the given reason.
func NewBusinessError(reason string) *BusinessError {
	return &BusinessError{Reason: reason}
}

// Handler executes one saga step as a single local transaction. On success
// it returns the reply data, including any identifiers its own
// compensation will need. Business failures are returned as *BusinessError;
// any other error is treated as transient and the command is redelivered.
type Handler func(ctx context.Context, command Command) (map[string]string, error)

// ParticipantOption mutates participant configuration at construction.
type ParticipantOption func(*Participant)

// WithBreakerManager routes handler execution through per-command-type
// circuit breakers. A rejection surfaces as a transient error, so the
// command is redelivered once the dependency recovers.
func WithBreakerManager(manager *circuitbreaker.Manager, config circuitbreaker.Config) ParticipantOption {
	return func(participant *Participant) {
		if manager == nil {
			return
		}

		participant.breakers = manager
		participant.breakerConfig = config
	}
}

// Participant is a step registry: one handler per command type. Inbound
// commands run through the inbox guard first, so duplicate delivery is
// absorbed; compensation handlers get the same guarantee and must
// additionally be idempotent at the resource level.
type Participant struct {
	guard         inbox.Guard
	logger        log.Logger
	tracer        trace.Tracer
	breakers      *circuitbreaker.Manager
	breakerConfig circuitbreaker.Config

	handlersMu sync.RWMutex
	handlers   map[string]Handler
}

// NewParticipant creates a participant registry.
func NewParticipant(
	guard inbox.Guard,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...ParticipantOption,
) (*Participant, error) {
	if nilcheck.Interface(guard) {
		return nil, ErrGuardRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("txflow.noop")
	}

	participant := &Participant{
		guard:    guard,
		logger:   logger,
		tracer:   tracer,
		handlers: make(map[string]Handler),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(participant)
		}
	}

	return participant, nil
}

// Register binds a handler to a command type.
func (participant *Participant) Register(commandType string, handler Handler) error {
	commandType = strings.TrimSpace(commandType)
	if commandType == "" {
		return ErrCommandTypeRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	participant.handlersMu.Lock()
	defer participant.handlersMu.Unlock()

	if _, exists := participant.handlers[commandType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, commandType)
	}

	participant.handlers[commandType] = handler

	if participant.breakers != nil {
		participant.breakers.GetOrCreate(commandType, participant.breakerConfig)
	}

	return nil
}

// HandleCommand runs one inbound command and returns the reply to send
// back, or nil for an absorbed duplicate. A non-nil error means transient
// failure: the caller should not acknowledge, so the channel redelivers.
func (participant *Participant) HandleCommand(ctx context.Context, command Command) (*Reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	commandType := strings.TrimSpace(command.Type)
	if commandType == "" {
		return nil, ErrCommandTypeRequired
	}

	if strings.TrimSpace(command.MessageID) == "" {
		return nil, ErrMessageIDRequired
	}

	participant.handlersMu.RLock()
	handler, exists := participant.handlers[commandType]
	participant.handlersMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, commandType)
	}

	ctx, span := participant.tracer.Start(ctx, "saga.handle_command")
	defer span.End()

	span.SetAttributes(
		attribute.String("saga.id", command.SagaID.String()),
		attribute.Int("saga.step", command.Step),
		attribute.String("saga.command_type", commandType),
	)

	admission, err := participant.guard.Admit(ctx, command.MessageID)
	if err != nil {
		txflow.HandleSpanError(span, "failed to admit command", err)

		return nil, fmt.Errorf("admitting command: %w", err)
	}

	if admission == inbox.AdmissionDuplicate {
		participant.logger.Log(ctx, log.LevelDebug, "duplicate command absorbed",
			log.String("message_id", command.MessageID), log.String("command_type", commandType))

		return nil, nil
	}

	result, err := participant.execute(ctx, commandType, handler, command)
	if err != nil {
		var businessErr *BusinessError
		if errors.As(err, &businessErr) {
			participant.logger.Log(ctx, log.LevelWarn, "command rejected by business rule",
				log.String("saga_id", command.SagaID.String()),
				log.String("command_type", commandType),
				log.String("reason", businessErr.Reason))

			return failureReply(command, businessErr.Reason), nil
		}

		txflow.HandleSpanError(span, "command handler failed", err)
		participant.logger.Log(ctx, log.LevelError, "command handler failed",
			log.String("saga_id", command.SagaID.String()),
			log.String("command_type", commandType),
			log.Err(err))

		// Release the admission so the redelivered command is retried
		// instead of being absorbed as a duplicate. If the release itself
		// fails the watchdog settles the saga.
		if forgetErr := participant.guard.Forget(ctx, command.MessageID); forgetErr != nil {
			participant.logger.Log(ctx, log.LevelError, "failed to release command admission",
				log.String("message_id", command.MessageID), log.Err(forgetErr))
		}

		return nil, err
	}

	return successReply(command, result), nil
}

// execute runs the handler, optionally through the circuit breaker, and
// converts panics into business failure replies so a crashing handler
// still answers the orchestrator.
func (participant *Participant) execute(
	ctx context.Context,
	commandType string,
	handler Handler,
	command Command,
) (result map[string]string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			participant.logger.Log(ctx, log.LevelError, "command handler panicked",
				log.String("command_type", commandType), log.Any("panic", recovered))

			result = nil
			err = NewBusinessError(fmt.Sprintf("handler panic: %v", recovered))
		}
	}()

	if participant.breakers == nil {
		return handler(ctx, command)
	}

	value, err := participant.breakers.Execute(ctx, commandType, func() (any, error) {
		return handler(ctx, command)
	})
	if err != nil {
		return nil, err
	}

	data, _ := value.(map[string]string)

	return data, nil
}

func successReply(command Command, result map[string]string) *Reply {
	return &Reply{
		MessageID:    "reply:" + command.MessageID,
		SagaID:       command.SagaID,
		Step:         command.Step,
		Success:      true,
		Result:       result,
		Compensation: command.Compensation,
	}
}

func failureReply(command Command, reason string) *Reply {
	return &Reply{
		MessageID:    "reply:" + command.MessageID,
		SagaID:       command.SagaID,
		Step:         command.Step,
		Success:      false,
		Reason:       reason,
		Compensation: command.Compensation,
	}
}
