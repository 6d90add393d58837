package steps

import (
	"fmt"
	"slices"
	"strings"

	"github.com/eleven-am/conductor/internal/domain"
)

// ValidateUserSteps checks user supplied steps against the steps the driver
// offers and returns validated copies. Every problem found is reported in a
// single *domain.ValidationError. Clean steps take their priority and
// abortable flag from the driver. Deploy steps must be unique and may only
// disable, never replace, the core deploy step.
func ValidateUserSteps(userSteps, driverSteps []domain.Step, kind domain.WorkflowKind) ([]domain.Step, error) {
	return validate(userSteps, driverSteps, kind, "")
}

func validate(userSteps, driverSteps []domain.Step, kind domain.WorkflowKind, prefix string) ([]domain.Step, error) {
	byKey := make(map[domain.StepKey]domain.Step, len(driverSteps))
	for _, step := range driverSteps {
		byKey[step.Key()] = step
	}

	validated := domain.CloneSteps(userSteps)
	var problems []string
	for i := range validated {
		driverStep, ok := byKey[validated[i].Key()]
		if !ok {
			problems = append(problems, fmt.Sprintf("node does not support this %s step: %s", kind, validated[i]))
			continue
		}
		problems = append(problems, validateStep(&validated[i], driverStep, kind)...)
	}

	if kind == domain.WorkflowDeploying {
		problems = append(problems, duplicateSteps(validated)...)
	}

	if len(problems) > 0 {
		return nil, &domain.ValidationError{Prefix: prefix, Problems: problems}
	}
	return validated, nil
}

func validateStep(userStep *domain.Step, driverStep domain.Step, kind domain.WorkflowKind) []string {
	var problems []string

	var invalid []string
	for name := range userStep.Args {
		if _, ok := driverStep.ArgsInfo[name]; !ok {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		slices.Sort(invalid)
		problems = append(problems, fmt.Sprintf("%s step %s has these invalid arguments: %s",
			kind, userStep, strings.Join(invalid, ", ")))
	}

	if kind == domain.WorkflowCleaning || userStep.Enabled() {
		var missing []string
		for name, info := range driverStep.ArgsInfo {
			if !info.Required {
				continue
			}
			if _, ok := userStep.Args[name]; ok {
				continue
			}
			if info.Description != "" {
				name = fmt.Sprintf("%s (%s)", name, info.Description)
			}
			missing = append(missing, name)
		}
		if len(missing) > 0 {
			slices.Sort(missing)
			problems = append(problems, fmt.Sprintf("%s step %s is missing these required keyword arguments: %s",
				kind, userStep, strings.Join(missing, ", ")))
		}
	}

	switch {
	case kind == domain.WorkflowCleaning:
		userStep.Abortable = driverStep.Abortable
		userStep.Priority = driverStep.Priority
	case userStep.Enabled() && driverStep.IsCoreDeployStep():
		problems = append(problems, fmt.Sprintf(
			"deploy step %s on interface %s is a core step and cannot be overridden by user steps. It may be disabled by setting the priority to 0",
			driverStep.Step, driverStep.Interface))
	}
	return problems
}

func duplicateSteps(userSteps []domain.Step) []string {
	counts := make(map[domain.StepKey]int, len(userSteps))
	var order []domain.StepKey
	for _, step := range userSteps {
		key := step.Key()
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
	}

	var problems []string
	for _, key := range order {
		if counts[key] > 1 {
			problems = append(problems, fmt.Sprintf(
				"duplicate deploy steps for %s. Deploy steps from all deploy templates matching this node's instance traits cannot have the same interface and step",
				key))
		}
	}
	return problems
}
