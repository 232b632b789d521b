package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart string.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}
	for _, edge := range model.Edges {
		b.WriteString(fmt.Sprintf("    %s --> %s\n",
			mermaidSafeID(edge.From), mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if cls := mermaidStatusClass(node.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindConditional:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindDecision:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "succeeded":
		return "succeeded"
	case "failed":
		return "failed"
	case "running":
		return "running"
	case "pending", "waiting":
		return "waiting"
	case "skipped":
		return "skipped"
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
