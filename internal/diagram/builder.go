package diagram

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rendis/wajourney/pkg/schema"
)

const maxLabelRunes = 40

// State is the runtime overlay drawn on top of a journey graph.
type State struct {
	CurrentNodeID string
	Status        schema.ExecutionStatus
	Visited       []string
}

// Build constructs a DiagramModel from a parsed journey graph and an
// optional execution overlay.
func Build(title string, graph *schema.Graph, state *State) *DiagramModel {
	model := &DiagramModel{Title: title}

	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		model.Nodes = append(model.Nodes, &Node{
			ID:    n.ID,
			Label: nodeLabel(n),
			Kind:  nodeKind(n.Type),
		})
	}

	seen := make(map[[2]string]bool)
	for _, e := range graph.Edges {
		model.Edges = append(model.Edges, Edge{From: e.Source, To: e.Target, Label: e.SourceHandle})
		seen[[2]string{e.Source, e.Target}] = true
	}
	for _, e := range implicitEdges(graph) {
		key := [2]string{e.From, e.To}
		if seen[key] || graph.Node(e.To) == nil {
			continue
		}
		seen[key] = true
		model.Edges = append(model.Edges, e)
	}

	if state != nil {
		overlay(model, state)
	}
	model.Levels = buildLevels(graph, model)
	return model
}

// implicitEdges surfaces routing that lives in node config rather than in
// the edge list.
func implicitEdges(graph *schema.Graph) []Edge {
	var out []Edge
	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		switch cfg := n.Config.(type) {
		case *schema.ConditionConfig:
			for j, b := range cfg.Branches {
				if b.TargetNodeID == "" {
					continue
				}
				label := b.ID
				if label == "" {
					label = fmt.Sprintf("branch %d", j+1)
				}
				out = append(out, Edge{From: n.ID, To: b.TargetNodeID, Label: label, Implicit: true})
			}
			if cfg.DefaultNodeID != "" {
				out = append(out, Edge{From: n.ID, To: cfg.DefaultNodeID, Label: "default", Implicit: true})
			}
		case *schema.WaitForReplyConfig:
			if cfg.TimeoutNodeID != "" {
				out = append(out, Edge{From: n.ID, To: cfg.TimeoutNodeID, Label: schema.HandleTimeout, Implicit: true})
			}
		case *schema.HTTPRequestConfig:
			if cfg.ErrorNodeID != "" {
				out = append(out, Edge{From: n.ID, To: cfg.ErrorNodeID, Label: schema.HandleError, Implicit: true})
			}
		}
	}
	return out
}

func overlay(model *DiagramModel, state *State) {
	for _, id := range state.Visited {
		if n := model.node(id); n != nil {
			n.Status = StatusVisited
		}
	}
	if n := model.node(state.CurrentNodeID); n != nil {
		n.Status = statusClass(state.Status)
	}
}

func statusClass(s schema.ExecutionStatus) string {
	switch s {
	case schema.ExecutionStatusActive:
		return StatusRunning
	case schema.ExecutionStatusWaiting:
		return StatusWaiting
	case schema.ExecutionStatusCompleted:
		return StatusCompleted
	case schema.ExecutionStatusFailed:
		return StatusFailed
	case schema.ExecutionStatusTimedOut:
		return StatusTimedOut
	default:
		return StatusRunning
	}
}

// buildLevels ranks nodes breadth-first from the start node. Nodes that are
// unreachable from start land in a final level of their own.
func buildLevels(graph *schema.Graph, model *DiagramModel) [][]string {
	adj := make(map[string][]string)
	for _, e := range model.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	var levels [][]string
	placed := make(map[string]bool)

	var frontier []string
	if start, err := graph.StartNode(); err == nil {
		frontier = []string{start.ID}
		placed[start.ID] = true
	}
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			for _, to := range adj[id] {
				if placed[to] || graph.Node(to) == nil {
					continue
				}
				placed[to] = true
				next = append(next, to)
			}
		}
		frontier = next
	}

	var orphans []string
	for _, n := range model.Nodes {
		if !placed[n.ID] {
			orphans = append(orphans, n.ID)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		levels = append(levels, orphans)
	}
	return levels
}

func nodeKind(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeStart:
		return NodeKindStart
	case schema.NodeEnd:
		return NodeKindEnd
	case schema.NodeSendTemplate, schema.NodeSendMessage:
		return NodeKindSend
	case schema.NodeWaitForReply:
		return NodeKindWait
	case schema.NodeCondition:
		return NodeKindCondition
	case schema.NodeHTTPRequest:
		return NodeKindHTTP
	case schema.NodeSetVariables:
		return NodeKindVariables
	case schema.NodeDelay:
		return NodeKindDelay
	default:
		return NodeKindUnknown
	}
}

func nodeLabel(n *schema.Node) string {
	switch cfg := n.Config.(type) {
	case *schema.StartConfig:
		return "Start"
	case *schema.EndConfig:
		return "End"
	case *schema.SendTemplateConfig:
		return "Template: " + orDefault(cfg.TemplateRef(), "?")
	case *schema.SendMessageConfig:
		return "Message: " + truncate(firstLine(cfg.Body), maxLabelRunes)
	case *schema.WaitForReplyConfig:
		if cfg.TimeoutMinutes > 0 {
			return fmt.Sprintf("Wait for reply (%dm)", cfg.TimeoutMinutes)
		}
		return "Wait for reply"
	case *schema.ConditionConfig:
		return fmt.Sprintf("Condition (%d branches)", len(cfg.Branches))
	case *schema.HTTPRequestConfig:
		return truncate(strings.ToUpper(orDefault(cfg.Method, "GET"))+" "+cfg.URL, maxLabelRunes)
	case *schema.SetVariablesConfig:
		keys := make([]string, 0)
		for _, a := range cfg.Entries() {
			keys = append(keys, a.Key)
		}
		return truncate("Set "+strings.Join(keys, ", "), maxLabelRunes)
	case *schema.DelayConfig:
		if cfg.Cron != "" {
			return "Delay until " + cfg.Cron
		}
		return fmt.Sprintf("Delay %d %s", cfg.Amount, orDefault(cfg.Unit, "minutes"))
	default:
		return fmt.Sprintf("%s (%s)", n.ID, n.Type)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
