// Package plan derives a deterministic execution plan from a pipeline spec.
// Dependency edges come from input bindings alone: a step depends on every
// step whose output it consumes.
package plan

import (
	"fmt"
	"strings"

	"github.com/cascade-labs/cascade-go/internal/domain"
)

// Plan is the resolved execution order of a pipeline. Steps are in
// topological order with ties broken by declaration order; Parents maps each
// step to its direct upstream steps in input-declaration order.
type Plan struct {
	Steps   []domain.StepSpec
	Parents map[string][]string
	Edges   []Edge
}

type Edge struct {
	From string
	To   string
}

// StepNames returns the planned step names in execution order.
func (p Plan) StepNames() []string {
	names := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		names = append(names, step.Name)
	}
	return names
}

// ResolutionError reports why a pipeline could not be ordered: dangling
// references, or a dependency cycle.
type ResolutionError struct {
	Issues []string
	Cycle  []string
}

func (e *ResolutionError) Error() string {
	parts := append([]string(nil), e.Issues...)
	if len(e.Cycle) > 0 {
		parts = append(parts, "dependency cycle: "+strings.Join(e.Cycle, " -> "))
	}
	if len(parts) == 0 {
		return "pipeline resolution failed"
	}
	return "pipeline resolution failed: " + strings.Join(parts, "; ")
}

// Resolve orders the steps of a pipeline. It is a pure function of the spec:
// same spec, same plan.
func Resolve(spec domain.PipelineSpec) (Plan, error) {
	n := len(spec.Steps)
	resErr := &ResolutionError{}

	index := make(map[string]int, n)
	for i, step := range spec.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			resErr.Issues = append(resErr.Issues, fmt.Sprintf("step at position %d has no name", i))
			continue
		}
		if _, exists := index[name]; exists {
			resErr.Issues = append(resErr.Issues, fmt.Sprintf("duplicate step name %q", name))
			continue
		}
		index[name] = i
	}

	outputs := make([]map[string]struct{}, n)
	for i, step := range spec.Steps {
		outs := make(map[string]struct{}, len(step.Outputs))
		for _, out := range step.Outputs {
			outs[out.Name] = struct{}{}
		}
		outputs[i] = outs
	}

	parents := make(map[string][]string, n)
	children := make([][]int, n)
	indegree := make([]int, n)
	var edges []Edge
	edgeSeen := make(map[Edge]struct{})

	for i, step := range spec.Steps {
		seenParent := make(map[string]struct{})
		for _, in := range step.Inputs {
			if in.IsExternal() {
				continue
			}
			from := strings.TrimSpace(in.FromStep)
			fromIdx, ok := index[from]
			if !ok {
				resErr.Issues = append(resErr.Issues, fmt.Sprintf("input %q of step %q is bound to unknown step %q", in.Name, step.Name, from))
				continue
			}
			if _, ok := outputs[fromIdx][in.Output]; !ok {
				resErr.Issues = append(resErr.Issues, fmt.Sprintf("input %q of step %q is bound to unknown output %q of step %q", in.Name, step.Name, in.Output, from))
				continue
			}
			edge := Edge{From: from, To: step.Name}
			if _, dup := edgeSeen[edge]; !dup {
				edgeSeen[edge] = struct{}{}
				edges = append(edges, edge)
				children[fromIdx] = append(children[fromIdx], i)
				indegree[i]++
			}
			if _, dup := seenParent[from]; !dup {
				seenParent[from] = struct{}{}
				parents[step.Name] = append(parents[step.Name], from)
			}
		}
	}

	if len(resErr.Issues) > 0 {
		return Plan{}, resErr
	}

	order := make([]domain.StepSpec, 0, n)
	placed := make([]bool, n)
	for len(order) < n {
		picked := -1
		for i := 0; i < n; i++ {
			if !placed[i] && indegree[i] == 0 {
				picked = i
				break
			}
		}
		if picked == -1 {
			break
		}
		placed[picked] = true
		order = append(order, spec.Steps[picked])
		for _, child := range children[picked] {
			indegree[child]--
		}
	}

	if len(order) < n {
		resErr.Cycle = findCycle(spec, placed, children)
		return Plan{}, resErr
	}

	return Plan{Steps: order, Parents: parents, Edges: edges}, nil
}

// findCycle extracts one concrete cycle among the steps Kahn's pass could
// not place. The returned path repeats the entry node at the end.
func findCycle(spec domain.PipelineSpec, placed []bool, children [][]int) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make([]int, len(spec.Steps))
	var stack []int

	var visit func(int) []string
	visit = func(node int) []string {
		state[node] = visiting
		stack = append(stack, node)
		for _, next := range children[node] {
			if placed[next] {
				continue
			}
			switch state[next] {
			case visiting:
				var path []string
				for i := len(stack) - 1; i >= 0; i-- {
					path = append([]string{spec.Steps[stack[i]].Name}, path...)
					if stack[i] == next {
						break
					}
				}
				return append(path, spec.Steps[next].Name)
			case unvisited:
				if path := visit(next); path != nil {
					return path
				}
			}
		}
		state[node] = done
		stack = stack[:len(stack)-1]
		return nil
	}

	for i := range spec.Steps {
		if placed[i] || state[i] != unvisited {
			continue
		}
		if path := visit(i); path != nil {
			return path
		}
	}
	return nil
}
