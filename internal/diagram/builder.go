package diagram

import (
	"fmt"

	"github.com/weaveflow/weave/internal/graph"
	"github.com/weaveflow/weave/pkg/schema"
)

// Build constructs a Model from a workflow definition and optional per-step
// statuses (pass nil for a bare definition diagram). Topology comes from
// the execution graph, so Build fails on the same definitions Submit would
// reject.
func Build(wf *schema.Workflow, statuses map[string]string) (*Model, error) {
	g, err := graph.Build(wf)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	model := &Model{
		Title:  wf.Name,
		Layers: g.Layers,
	}

	start := &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart}
	model.Nodes = append(model.Nodes, start)

	for _, stepID := range g.Sorted {
		step := g.Steps[stepID]
		node := &Node{
			ID:     stepID,
			Label:  labelFor(step),
			Kind:   kindFor(step),
			Status: statuses[stepID],
		}
		model.Nodes = append(model.Nodes, node)

		if len(g.Edges[stepID]) == 0 {
			model.Edges = append(model.Edges, Edge{From: start.ID, To: stepID})
		}
		for _, dep := range g.Edges[stepID] {
			model.Edges = append(model.Edges, Edge{From: dep, To: stepID})
		}
	}

	end := &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd}
	model.Nodes = append(model.Nodes, end)
	for _, stepID := range g.Sorted {
		if len(g.Reverse[stepID]) == 0 {
			model.Edges = append(model.Edges, Edge{From: stepID, To: end.ID})
		}
	}

	return model, nil
}

func labelFor(step *schema.Step) string {
	if step.Name != "" {
		return step.Name
	}
	return step.ID
}

func kindFor(step *schema.Step) NodeKind {
	switch step.EffectiveKind() {
	case schema.StepKindDecision:
		return NodeKindDecision
	case schema.StepKindConditional:
		return NodeKindConditional
	default:
		return NodeKindTask
	}
}
