package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Pipeline is a registered pipeline: the raw document as submitted plus the
// hash of its canonical form. Registration is idempotent on SpecHash.
type Pipeline struct {
	ID        string
	Name      string
	SpecHash  string
	Document  string
	CreatedAt time.Time
}

func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("pipeline id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("pipeline name is required")
	}
	if strings.TrimSpace(p.SpecHash) == "" {
		return errors.New("spec hash is required")
	}
	if strings.TrimSpace(p.Document) == "" {
		return errors.New("document is required")
	}
	return nil
}

// PipelineSpec is the parsed form of a pipeline document. Step order is the
// declaration order from the document and is significant: it breaks ties when
// steps are scheduled.
type PipelineSpec struct {
	Name  string
	Steps []StepSpec
}

// StepSpec describes one step: what to execute, its cache identity, and how
// its inputs bind to upstream outputs or external artifacts.
type StepSpec struct {
	Name         string
	Image        string
	Command      []string
	Args         []string
	Env          []EnvVar
	SourceHash   string
	Parameters   Params
	CacheEnabled bool
	Inputs       []InputBinding
	Outputs      []OutputSpec
}

// InputBinding binds one named input of a step. Exactly one source form is
// set: FromStep/Output for an upstream artifact, External for an artifact
// supplied at trigger time.
type InputBinding struct {
	Name     string
	FromStep string
	Output   string
	External string
}

// IsExternal reports whether the input is satisfied by a trigger-time
// artifact rather than an upstream step.
func (b InputBinding) IsExternal() bool {
	return strings.TrimSpace(b.External) != ""
}

// OutputSpec declares one named output and the materializer type that reads
// and writes it.
type OutputSpec struct {
	Name string
	Type string
}

type EnvVar struct {
	Name  string
	Value string
}

// StepNameSet returns the set of step names declared in the spec.
func (p PipelineSpec) StepNameSet() map[string]struct{} {
	names := make(map[string]struct{}, len(p.Steps))
	for _, step := range p.Steps {
		if strings.TrimSpace(step.Name) == "" {
			continue
		}
		names[step.Name] = struct{}{}
	}
	return names
}

// Step returns the step with the given name.
func (p PipelineSpec) Step(name string) (StepSpec, bool) {
	for _, step := range p.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return StepSpec{}, false
}

// ExternalInputNames returns the distinct external input names referenced by
// any step, in first-reference order.
func (p PipelineSpec) ExternalInputNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, step := range p.Steps {
		for _, in := range step.Inputs {
			if !in.IsExternal() {
				continue
			}
			name := strings.TrimSpace(in.External)
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// ValidateBasicShape performs lightweight structural checks without graph
// traversal.
func (p PipelineSpec) ValidateBasicShape() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("pipeline name is required")
	}
	if len(p.Steps) == 0 {
		return errors.New("steps must contain at least one step")
	}
	for i, step := range p.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("step[%d] name is required", i)
		}
		if strings.TrimSpace(step.Image) == "" {
			return fmt.Errorf("step[%d] image is required", i)
		}
		if strings.TrimSpace(step.SourceHash) == "" {
			return fmt.Errorf("step[%d] source_hash is required", i)
		}
	}
	return nil
}
