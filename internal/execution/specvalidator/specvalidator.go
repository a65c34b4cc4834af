// Package specvalidator checks the structural integrity of pipeline specs:
// name uniqueness, input binding shape, and reference resolution. Ordering
// and cycle detection belong to the planner.
package specvalidator

import (
	"fmt"
	"strings"

	"github.com/cascade-labs/cascade-go/internal/domain"
)

// ValidationError aggregates spec validation issues.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "spec validation failed"
	}
	return "spec validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// ValidatePipelineSpec performs strict validation of a PipelineSpec.
func ValidatePipelineSpec(spec domain.PipelineSpec) error {
	issues := &ValidationError{}

	if err := spec.ValidateBasicShape(); err != nil {
		issues.Add(err.Error())
	}
	if len(spec.Steps) == 0 {
		return issues.OrNil()
	}

	stepNames := make(map[string]struct{}, len(spec.Steps))
	for _, step := range spec.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			continue
		}
		if _, exists := stepNames[name]; exists {
			issues.Add(fmt.Sprintf("duplicate step name %q", name))
		}
		stepNames[name] = struct{}{}
	}

	outputsByStep := make(map[string]map[string]struct{}, len(spec.Steps))
	for _, step := range spec.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			continue
		}
		outputs := make(map[string]struct{}, len(step.Outputs))
		for i, out := range step.Outputs {
			outName := strings.TrimSpace(out.Name)
			if outName == "" {
				issues.Add(fmt.Sprintf("step[%s] outputs[%d] name is required", name, i))
				continue
			}
			if _, exists := outputs[outName]; exists {
				issues.Add(fmt.Sprintf("step[%s] duplicate output %q", name, outName))
			}
			outputs[outName] = struct{}{}
			if strings.TrimSpace(out.Type) == "" {
				issues.Add(fmt.Sprintf("step[%s] output %q type is required", name, outName))
			}
		}
		outputsByStep[name] = outputs
	}

	for _, step := range spec.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			continue
		}
		validateStepInputs(issues, name, step.Inputs, stepNames, outputsByStep)
	}

	return issues.OrNil()
}

func validateStepInputs(issues *ValidationError, step string, inputs []domain.InputBinding, stepNames map[string]struct{}, outputsByStep map[string]map[string]struct{}) {
	seen := make(map[string]struct{}, len(inputs))
	for i, in := range inputs {
		inName := strings.TrimSpace(in.Name)
		if inName == "" {
			issues.Add(fmt.Sprintf("step[%s] inputs[%d] name is required", step, i))
			continue
		}
		if _, exists := seen[inName]; exists {
			issues.Add(fmt.Sprintf("step[%s] duplicate input %q", step, inName))
		}
		seen[inName] = struct{}{}

		fromStep := strings.TrimSpace(in.FromStep)
		external := strings.TrimSpace(in.External)
		switch {
		case fromStep == "" && external == "":
			issues.Add(fmt.Sprintf("step[%s] input %q must set from_step or external", step, inName))
		case fromStep != "" && external != "":
			issues.Add(fmt.Sprintf("step[%s] input %q must not set both from_step and external", step, inName))
		case external != "":
			if strings.TrimSpace(in.Output) != "" {
				issues.Add(fmt.Sprintf("step[%s] input %q must not set output with external", step, inName))
			}
		default:
			if fromStep == step {
				issues.Add(fmt.Sprintf("step[%s] input %q references its own step", step, inName))
				continue
			}
			if _, ok := stepNames[fromStep]; !ok {
				issues.Add(fmt.Sprintf("step[%s] input %q references unknown step %q", step, inName, fromStep))
				continue
			}
			output := strings.TrimSpace(in.Output)
			if output == "" {
				issues.Add(fmt.Sprintf("step[%s] input %q must name an output of %q", step, inName, fromStep))
				continue
			}
			if _, ok := outputsByStep[fromStep][output]; !ok {
				issues.Add(fmt.Sprintf("step[%s] input %q references unknown output %q of step %q", step, inName, output, fromStep))
			}
		}
	}
}
