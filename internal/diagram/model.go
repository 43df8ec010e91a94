package diagram

// NodeKind classifies a diagram node by the journey node it draws.
type NodeKind string

const (
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
	NodeKindSend      NodeKind = "send"
	NodeKindWait      NodeKind = "wait"
	NodeKindCondition NodeKind = "condition"
	NodeKindHTTP      NodeKind = "http"
	NodeKindVariables NodeKind = "variables"
	NodeKindDelay     NodeKind = "delay"
	NodeKindUnknown   NodeKind = "unknown"
)

// Node status classes.
const (
	StatusVisited   = "visited"
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timedout"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // breadth-first ranks from the start node
}

// Node represents a single journey node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status string // one of the Status* classes, or ""
}

// Edge connects two nodes. Implicit edges come from node config
// (branch targets, default_node_id, timeout_node_id, error_node_id).
type Edge struct {
	From     string
	To       string
	Label    string
	Implicit bool
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
