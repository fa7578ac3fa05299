package saga

import (
	"fmt"
	"strings"
)

// Step describes one forward step of a saga definition.
type Step struct {
	// Name labels the step in logs.
	Name string
	// CommandType is the type tag of the forward command.
	CommandType string
	// CompensationType is the type tag of the compensating command. Empty
	// means the step has no compensation (read-only or naturally void).
	CompensationType string
	// Pivot marks the step whose failure triggers full compensation of
	// everything before it. Business rules may classify certain conditions
	// as deterministic pivot failures; those are compensated, never retried.
	Pivot bool
	// CompensationKeys are the context keys a success reply for this step
	// must provide because the compensating command needs them. A reply
	// missing one is a protocol violation.
	CompensationKeys []string
}

// Definition is an ordered list of steps under a saga name.
type Definition struct {
	Name  string
	Steps []Step
}

// Validate checks structural requirements of the definition.
func (definition Definition) Validate() error {
	if strings.TrimSpace(definition.Name) == "" {
		return ErrDefinitionNameRequired
	}

	if len(definition.Steps) == 0 {
		return ErrDefinitionNoSteps
	}

	for index, step := range definition.Steps {
		if strings.TrimSpace(step.CommandType) == "" {
			return fmt.Errorf("step %d: %w", index, ErrStepCommandTypeRequired)
		}

		if len(step.CompensationKeys) > 0 && strings.TrimSpace(step.CompensationType) == "" {
			return fmt.Errorf("step %d: compensation keys declared without a compensation type: %w",
				index, ErrStepCommandTypeRequired)
		}
	}

	return nil
}

// StepAt returns the step at index, or false when out of range.
func (definition Definition) StepAt(index int) (Step, bool) {
	if index < 0 || index >= len(definition.Steps) {
		return Step{}, false
	}

	return definition.Steps[index], true
}

// LastStepIndex returns the index of the final step.
func (definition Definition) LastStepIndex() int {
	return len(definition.Steps) - 1
}

// NextCompensableStep returns the highest step index strictly below from
// that declares a compensation, or -1 when none remains.
func (definition Definition) NextCompensableStep(from int) int {
	if from > len(definition.Steps) {
		from = len(definition.Steps)
	}

	for index := from - 1; index >= 0; index-- {
		if strings.TrimSpace(definition.Steps[index].CompensationType) != "" {
			return index
		}
	}

	return -1
}

// compensationBody extracts the retained identifiers a compensation command
// needs from the instance context.
func compensationBody(step Step, instanceContext map[string]string) map[string]string {
	if len(step.CompensationKeys) == 0 {
		return nil
	}

	body := make(map[string]string, len(step.CompensationKeys))

	for _, key := range step.CompensationKeys {
		body[key] = instanceContext[key]
	}

	return body
}

// missingCompensationKeys returns the declared keys absent from data.
func missingCompensationKeys(step Step, data map[string]string) []string {
	if len(step.CompensationKeys) == 0 {
		return nil
	}

	missing := make([]string, 0)

	for _, key := range step.CompensationKeys {
		if strings.TrimSpace(data[key]) == "" {
			missing = append(missing, key)
		}
	}

	return missing
}
