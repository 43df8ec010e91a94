package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/wajourney/pkg/schema"
)

// RenderMermaid renders a journey graph as a Mermaid flowchart, marking the
// node an execution currently sits on with its status class.
func RenderMermaid(graph *schema.Graph, currentNodeID string, status schema.ExecutionStatus) string {
	var state *State
	if currentNodeID != "" {
		state = &State{CurrentNodeID: currentNodeID, Status: status}
	}
	return Mermaid(Build("", graph, state))
}

// Mermaid renders a DiagramModel as a Mermaid flowchart string.
func Mermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Implicit {
			arrow = "-.->"
		}
		label := ""
		if edge.Label != "" {
			label = "|" + mermaidEscape(edge.Label) + "|"
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}

	var classed []*Node
	for _, node := range model.Nodes {
		if node.Status != "" {
			classed = append(classed, node)
		}
	}
	if len(classed) == 0 {
		return b.String()
	}

	b.WriteString("\n")
	b.WriteString("    classDef visited fill:#d5e8d4,stroke:#82b366,color:#000\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef timedout fill:#6b6b6b,stroke:#4a4a4a,color:#fff,stroke-dasharray:5 5\n")
	for _, node := range classed {
		fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), node.Status)
	}
	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := `"` + mermaidEscape(node.Label) + `"`

	switch node.Kind {
	case NodeKindStart:
		return id + "([" + label + "])"
	case NodeKindCondition:
		return id + "{" + label + "}"
	case NodeKindWait:
		return id + "{{" + label + "}}"
	default:
		return id + "[" + label + "]"
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	id = r.Replace(id)
	// Mermaid treats a bare "end" as a keyword.
	if strings.EqualFold(id, "end") {
		return id + "_"
	}
	return id
}

func mermaidEscape(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", "|", "#124;", "\n", " ")
	return r.Replace(s)
}
