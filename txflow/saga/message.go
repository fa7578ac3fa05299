package saga

import (
	"strings"

	"github.com/google/uuid"
)

// Command is an instruction from the orchestrator to a participant. Every
// command carries an explicit type tag; participants never infer the type
// from the payload shape.
type Command struct {
	// MessageID is the stable id used as the idempotency key downstream.
	MessageID string `json:"messageId"`
	// SagaID correlates the command to its saga instance.
	SagaID uuid.UUID `json:"sagaId"`
	// Step is the zero-based step index this command belongs to.
	Step int `json:"step"`
	// Type routes the command to a registered handler.
	Type string `json:"type"`
	// Body carries the command payload.
	Body map[string]string `json:"body,omitempty"`
	// Compensation marks compensating commands, so participants tag their
	// replies accordingly.
	Compensation bool `json:"compensation,omitempty"`
}

// Reply is a participant's answer to a command.
type Reply struct {
	// MessageID is the stable id used as the idempotency key downstream.
	MessageID string `json:"messageId"`
	// SagaID correlates the reply to its saga instance.
	SagaID uuid.UUID `json:"sagaId"`
	// Step is the step index the reply answers.
	Step int `json:"step"`
	// Success reports whether the step's local transaction committed.
	Success bool `json:"success"`
	// Result carries identifiers and data from a successful step, including
	// any identifiers its compensation will need.
	Result map[string]string `json:"result,omitempty"`
	// Reason is the business failure reason when Success is false.
	Reason string `json:"reason,omitempty"`
	// Compensation marks replies answering a compensation command.
	Compensation bool `json:"compensation,omitempty"`
}

// Notification is a fire-and-forget status event for observers. Saga logic
// never consumes notifications.
type Notification struct {
	SubjectID string `json:"subjectId"`
	NewState  string `json:"newState"`
	Message   string `json:"message"`
}

// NewCommand builds a command with a fresh message id.
func NewCommand(sagaID uuid.UUID, step int, commandType string, body map[string]string) (Command, error) {
	commandType = strings.TrimSpace(commandType)
	if commandType == "" {
		return Command{}, ErrCommandTypeRequired
	}

	return Command{
		MessageID: uuid.New().String(),
		SagaID:    sagaID,
		Step:      step,
		Type:      commandType,
		Body:      body,
	}, nil
}

// Validate checks the fields replies must carry to be routable.
func (reply Reply) Validate() error {
	if strings.TrimSpace(reply.MessageID) == "" {
		return ErrMessageIDRequired
	}

	if reply.SagaID == uuid.Nil {
		return ErrUnknownSaga
	}

	return nil
}
