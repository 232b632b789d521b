package diagram

// NodeKind classifies a diagram node by its step kind.
type NodeKind string

const (
	NodeKindTask        NodeKind = "task"
	NodeKindDecision    NodeKind = "decision"
	NodeKindConditional NodeKind = "conditional"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Model is the renderer-independent representation of a workflow graph,
// optionally overlaid with run statuses.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Layers [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status string // step status when rendering a run, "" for bare definitions
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From string
	To   string
}
