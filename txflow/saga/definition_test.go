//go:build unit

package saga

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func orderDefinition() Definition {
	return Definition{
		Name: "order",
		Steps: []Step{
			{
				Name:             "create-ticket",
				CommandType:      "ticket.create",
				CompensationType: "ticket.cancel",
				CompensationKeys: []string{"ticketId"},
			},
			{
				Name:        "authorize-payment",
				CommandType: "payment.authorize",
				Pivot:       true,
			},
			{
				Name:        "approve-ticket",
				CommandType: "ticket.approve",
			},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, orderDefinition().Validate())

	require.ErrorIs(t, Definition{Name: " "}.Validate(), ErrDefinitionNameRequired)
	require.ErrorIs(t, Definition{Name: "x"}.Validate(), ErrDefinitionNoSteps)
	require.ErrorIs(t, Definition{
		Name:  "x",
		Steps: []Step{{CommandType: "  "}},
	}.Validate(), ErrStepCommandTypeRequired)
	require.ErrorIs(t, Definition{
		Name:  "x",
		Steps: []Step{{CommandType: "a", CompensationKeys: []string{"id"}}},
	}.Validate(), ErrStepCommandTypeRequired)
}

func TestNextCompensableStep(t *testing.T) {
	t.Parallel()

	definition := orderDefinition()

	// Failure at the pivot (step 1) compensates step 0.
	require.Equal(t, 0, definition.NextCompensableStep(1))

	// After compensating step 0 nothing remains.
	require.Equal(t, -1, definition.NextCompensableStep(0))

	// Failure at step 0 has nothing completed before it.
	require.Equal(t, -1, definition.NextCompensableStep(0))

	// Out-of-range from is clamped.
	require.Equal(t, 0, definition.NextCompensableStep(99))
}

func TestCompensationBody(t *testing.T) {
	t.Parallel()

	definition := orderDefinition()
	step, ok := definition.StepAt(0)
	require.True(t, ok)

	body := compensationBody(step, map[string]string{
		"ticketId": "T-77",
		"orderId":  "O-1",
	})

	require.Equal(t, map[string]string{"ticketId": "T-77"}, body)
}

func TestMissingCompensationKeys(t *testing.T) {
	t.Parallel()

	definition := orderDefinition()
	step, ok := definition.StepAt(0)
	require.True(t, ok)

	require.Empty(t, missingCompensationKeys(step, map[string]string{"ticketId": "T-1"}))
	require.Equal(t, []string{"ticketId"}, missingCompensationKeys(step, map[string]string{"ticketId": " "}))
	require.Equal(t, []string{"ticketId"}, missingCompensationKeys(step, nil))
}
