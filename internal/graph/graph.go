package graph

import (
	"sort"

	"github.com/weaveflow/weave/pkg/schema"
)

// Graph is the in-memory directed acyclic graph representation of a workflow.
// Built once per run from the immutable definition; it never changes during
// execution. Runtime readiness (conditional skips, failures) is the
// scheduler's concern, not the graph's.
type Graph struct {
	Steps   map[string]*schema.Step // step ID → definition
	Edges   map[string][]string     // step ID → dependencies
	Reverse map[string][]string     // step ID → direct dependents
	Sorted  []string                // topological order
	Roots   []string                // steps with no dependencies
	Layers  [][]string              // execution layers by topological depth
}

// Build validates a workflow definition and constructs its execution graph.
// It checks for duplicate and empty step IDs, dangling dependency references,
// and self-dependencies, then performs Kahn's algorithm for topological
// sorting and cycle detection, and computes execution layers.
func Build(wf *schema.Workflow) (*Graph, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if len(wf.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	g := &Graph{
		Steps:   make(map[string]*schema.Step, len(wf.Steps)),
		Edges:   make(map[string][]string, len(wf.Steps)),
		Reverse: make(map[string][]string, len(wf.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := g.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		g.Steps[step.ID] = step
	}

	// Second pass: build adjacency lists and validate dependency references.
	for id, step := range g.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := g.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeDanglingDependency,
					"step %s depends on unknown step: %s", id, dep).WithStep(id)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id).WithStep(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep).WithStep(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Reverse[dep] = append(g.Reverse[dep], id)
		}
		g.Edges[id] = deps
	}

	// Kahn's algorithm: iterative peeling of zero-in-degree nodes.
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

	// Sort roots for deterministic ordering.
	sort.Strings(queue)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	sorted := make([]string, 0, len(g.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(g.Reverse[node]))
		copy(dependents, g.Reverse[node])
		sort.Strings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	// Peeling terminated before all steps were placed: a cycle remains.
	if len(sorted) != len(g.Steps) {
		remaining := make([]string, 0, len(g.Steps)-len(sorted))
		placed := make(map[string]bool, len(sorted))
		for _, id := range sorted {
			placed[id] = true
		}
		for id := range g.Steps {
			if !placed[id] {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle").
			WithDetails(map[string]any{"unplaced_steps": remaining})
	}

	g.Sorted = sorted
	g.Layers = computeLayers(g)

	return g, nil
}

// computeLayers groups steps into execution layers: every step's
// dependencies lie entirely in earlier layers.
func computeLayers(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Steps))

	for _, id := range g.Sorted {
		maxDep := -1
		for _, dep := range g.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLayer := 0
	for _, d := range depth {
		if d > maxLayer {
			maxLayer = d
		}
	}

	layers := make([][]string, maxLayer+1)
	for _, id := range g.Sorted {
		layers[depth[id]] = append(layers[depth[id]], id)
	}

	return layers
}

// Dependents returns the set of steps that depend on the given step,
// directly or transitively. Used by the failure coordinator to cascade
// abandonment downstream of a failed step.
func (g *Graph) Dependents(id string) map[string]bool {
	closure := make(map[string]bool)
	stack := append([]string(nil), g.Reverse[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if closure[n] {
			continue
		}
		closure[n] = true
		stack = append(stack, g.Reverse[n]...)
	}
	return closure
}

// DependenciesSatisfied reports whether every dependency of the step has a
// terminal satisfying status according to the given lookup.
func (g *Graph) DependenciesSatisfied(id string, status func(string) schema.StepStatus) bool {
	for _, dep := range g.Edges[id] {
		if !status(dep).Satisfying() {
			return false
		}
	}
	return true
}
