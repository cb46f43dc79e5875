package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/calydon/orchid/internal/expressions"
	"github.com/calydon/orchid/pkg/schema"
)

// Graph is the validated, topologically-sortable representation of a
// workflow definition. It is read-only after Build and safely shared across
// concurrent step executions.
type Graph struct {
	Steps      map[string]*schema.StepDefinition // step ID -> definition
	Edges      map[string][]string               // step ID -> dependencies
	Dependents map[string][]string               // step ID -> steps depending on it
	Order      []string                          // topological order
	Roots      []string                          // steps with no dependencies
	Levels     [][]string                        // parallel scheduling groups
}

// Build compiles a workflow definition into a Graph. Duplicate or empty IDs,
// dangling dependencies, cycles, and references that do not resolve to a
// declared producer are all build-time errors; the workflow is rejected
// before any execution attempt.
func Build(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeBuild, "workflow definition is nil")
	}
	if def.Name == "" {
		return nil, schema.NewError(schema.ErrCodeBuild, "workflow has no name")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeBuild, "workflow has no steps")
	}

	g := &Graph{
		Steps:      make(map[string]*schema.StepDefinition, len(def.Steps)),
		Edges:      make(map[string][]string, len(def.Steps)),
		Dependents: make(map[string][]string, len(def.Steps)),
	}

	// First pass: register steps, reject duplicates and missing tools.
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeBuild, "step at index %d has empty ID", i)
		}
		if strings.Contains(step.ID, ".") {
			return nil, schema.NewErrorf(schema.ErrCodeBuild, "step ID %q must not contain '.'", step.ID)
		}
		if _, exists := g.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeBuild, "duplicate step ID: %s", step.ID)
		}
		if step.Tool == "" {
			return nil, schema.NewErrorf(schema.ErrCodeBuild, "step %s has no tool reference", step.ID)
		}
		g.Steps[step.ID] = step
	}

	// Second pass: adjacency lists and dependency validation.
	for id, step := range g.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := g.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeBuild,
					"step %s depends on non-existent step: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"step %s depends on itself", id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeBuild,
					"step %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Dependents[dep] = append(g.Dependents[dep], id)
		}
		g.Edges[id] = deps
	}

	// Cycle detection: DFS with a recursion-stack set so the error names the
	// exact cycle.
	if cycle := findCycle(g); cycle != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"workflow contains a cycle: %s", strings.Join(cycle, " -> "))
	}

	// Compensation declarations must target known steps.
	for _, c := range def.Compensations {
		if _, ok := g.Steps[c.StepID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeBuild,
				"compensation declared for unknown step: %s", c.StepID)
		}
		if c.Tool == "" {
			return nil, schema.NewErrorf(schema.ErrCodeBuild,
				"compensation for step %s has no tool", c.StepID)
		}
	}

	// Static reference validation: every binding reference must resolve to a
	// declared workflow input or an upstream step's declared output.
	if err := validateReferences(def, g); err != nil {
		return nil, err
	}

	g.sortTopological()
	g.Levels = computeLevels(g)

	return g, nil
}

// findCycle runs DFS with a recursion-stack set and returns the cycle path
// (closing node repeated) when one exists, nil otherwise.
func findCycle(g *Graph) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on recursion stack
		black = 2 // done
	)
	color := make(map[string]int, len(g.Steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.Edges[id] {
			switch color[dep] {
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			case gray:
				// Found the back edge; slice the stack from the first
				// occurrence of dep to report the exact cycle.
				for i, s := range stack {
					if s == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	ids := sortedIDs(g)
	for _, id := range ids {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// validateReferences checks every ${{ steps.x.k }} / ${{ inputs.k }} token
// in step bindings against declared producers. A step may only reference the
// outputs of its transitive dependencies.
func validateReferences(def *schema.WorkflowDefinition, g *Graph) error {
	declaredInputs := make(map[string]bool, len(def.Inputs))
	for _, k := range def.Inputs {
		declaredInputs[k] = true
	}

	for id, step := range g.Steps {
		ancestors := transitiveDeps(g, id)
		for _, ref := range expressions.References(step.Bindings) {
			parts := strings.Split(ref, ".")
			switch parts[0] {
			case "inputs":
				if len(parts) < 2 || !declaredInputs[parts[1]] {
					return schema.NewErrorf(schema.ErrCodeBuild,
						"step %s references undeclared input: %s", id, ref).WithStep(id)
				}
			case "steps":
				if len(parts) < 3 {
					return schema.NewErrorf(schema.ErrCodeBuild,
						"step %s has malformed step reference %q (want steps.<id>.<key>)", id, ref).WithStep(id)
				}
				producer, key := parts[1], parts[2]
				src, ok := g.Steps[producer]
				if !ok {
					return schema.NewErrorf(schema.ErrCodeBuild,
						"step %s references unknown step: %s", id, ref).WithStep(id)
				}
				if !ancestors[producer] {
					return schema.NewErrorf(schema.ErrCodeBuild,
						"step %s references step %s without depending on it", id, producer).WithStep(id)
				}
				if !declaresOutput(src, key) {
					return schema.NewErrorf(schema.ErrCodeBuild,
						"step %s references undeclared output %q of step %s", id, key, producer).WithStep(id)
				}
			case "workflow":
				// Instance metadata, always available.
			default:
				return schema.NewErrorf(schema.ErrCodeBuild,
					"step %s has reference with unknown namespace: %s", id, ref).WithStep(id)
			}
		}
	}
	return nil
}

func declaresOutput(step *schema.StepDefinition, key string) bool {
	for _, k := range step.Outputs {
		if k == key {
			return true
		}
	}
	return false
}

// transitiveDeps returns the full ancestor set of a step.
func transitiveDeps(g *Graph, id string) map[string]bool {
	out := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.Edges[cur] {
			if !out[dep] {
				out[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	return out
}

// sortTopological fills Order and Roots using Kahn's algorithm. Ties are
// broken alphabetically for deterministic scheduling.
func (g *Graph) sortTopological() {
	inDegree := make(map[string]int, len(g.Steps))
	for id := range g.Steps {
		inDegree[id] = len(g.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	g.Roots = append([]string{}, queue...)

	order := make([]string, 0, len(g.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		dependents := append([]string{}, g.Dependents[node]...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	g.Order = order
}

// computeLevels groups steps into scheduling frontiers: all of a level's
// dependencies are satisfied by earlier levels, so members may run in
// parallel.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Steps))
	for _, id := range g.Order {
		maxDep := -1
		for _, dep := range g.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

func sortedIDs(g *Graph) []string {
	ids := make([]string, 0, len(g.Steps))
	for id := range g.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// String renders a compact description, mainly for logs and error messages.
func (g *Graph) String() string {
	return fmt.Sprintf("graph(%d steps, %d levels)", len(g.Steps), len(g.Levels))
}
