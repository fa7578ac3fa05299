//go:build unit

package saga

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewInstance(t *testing.T) {
	t.Parallel()

	id := uuid.New()

	instance, err := NewInstance(id, "order", map[string]string{"orderId": "O-1"})
	require.NoError(t, err)
	require.Equal(t, id, instance.ID)
	require.Equal(t, StateStarted, instance.State)
	require.Zero(t, instance.CurrentStep)
	require.Equal(t, int64(1), instance.Version)
	require.Equal(t, "O-1", instance.Context["orderId"])
}

func TestNewInstance_GeneratesID(t *testing.T) {
	t.Parallel()

	instance, err := NewInstance(uuid.Nil, "order", nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, instance.ID)
}

func TestNewInstance_RequiresName(t *testing.T) {
	t.Parallel()

	_, err := NewInstance(uuid.New(), "  ", nil)
	require.ErrorIs(t, err, ErrDefinitionNameRequired)
}

func TestInstanceMergeContextAndFailureReason(t *testing.T) {
	t.Parallel()

	instance, err := NewInstance(uuid.New(), "order", nil)
	require.NoError(t, err)

	instance.MergeContext(map[string]string{"ticketId": "T-1"})
	instance.MergeContext(map[string]string{FailureReasonKey: "card declined"})

	require.Equal(t, "T-1", instance.Context["ticketId"])
	require.Equal(t, "card declined", instance.FailureReason())
}

func TestInstanceClone(t *testing.T) {
	t.Parallel()

	instance, err := NewInstance(uuid.New(), "order", map[string]string{"k": "v"})
	require.NoError(t, err)

	clone := instance.Clone()
	clone.Context["k"] = "mutated"
	clone.State = StateCompleted

	require.Equal(t, "v", instance.Context["k"])
	require.Equal(t, StateStarted, instance.State)
}

func TestReplyValidate(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Reply{SagaID: uuid.New()}.Validate(), ErrMessageIDRequired)
	require.ErrorIs(t, Reply{MessageID: "m"}.Validate(), ErrUnknownSaga)
	require.NoError(t, Reply{MessageID: "m", SagaID: uuid.New()}.Validate())
}

func TestNewCommand(t *testing.T) {
	t.Parallel()

	sagaID := uuid.New()

	command, err := NewCommand(sagaID, 2, "ticket.create", map[string]string{"orderId": "O-1"})
	require.NoError(t, err)
	require.NotEmpty(t, command.MessageID)
	require.Equal(t, sagaID, command.SagaID)
	require.Equal(t, 2, command.Step)
	require.False(t, command.Compensation)

	_, err = NewCommand(sagaID, 0, "  ", nil)
	require.ErrorIs(t, err, ErrCommandTypeRequired)
}
