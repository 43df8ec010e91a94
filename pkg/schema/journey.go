package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// NodeType enumerates the kinds of nodes in a journey graph.
type NodeType string

const (
	NodeStart        NodeType = "start"
	NodeSendTemplate NodeType = "send_template"
	NodeSendMessage  NodeType = "send_message"
	NodeWaitForReply NodeType = "wait_for_reply"
	NodeCondition    NodeType = "condition"
	NodeHTTPRequest  NodeType = "http_request"
	NodeSetVariables NodeType = "set_variables"
	NodeDelay        NodeType = "delay"
	NodeEnd          NodeType = "end"
)

// Edge handles with reserved meaning.
const (
	HandleError   = "error"
	HandleTimeout = "timeout"
)

// Graph is a published journey: nodes plus directed edges.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	index map[string]int
}

// Node is one vertex of a journey graph. Config holds the decoded Data for
// the node's kind and is filled by ParseGraph.
type Node struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Position *Position       `json:"position,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Config   NodeConfig      `json:"-"`
}

// Position is editor layout only; the interpreter ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects two nodes. SourceHandle distinguishes multiple outgoing
// paths of one node (branches, error, timeout).
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// NodeConfig is the typed configuration of one node kind.
type NodeConfig interface {
	Kind() NodeType
}

type StartConfig struct{}

// SendTemplateConfig sends an approved template. Variables map template
// placeholders to interpolation templates.
type SendTemplateConfig struct {
	TemplateSID  string            `json:"template_sid,omitempty"`
	TemplateName string            `json:"template_name,omitempty"`
	Language     string            `json:"language,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// TemplateRef returns the provider template reference, preferring the SID.
func (c *SendTemplateConfig) TemplateRef() string {
	if c.TemplateSID != "" {
		return c.TemplateSID
	}
	return c.TemplateName
}

type SendMessageConfig struct {
	Body string `json:"body"`
}

type WaitForReplyConfig struct {
	TimeoutMinutes int    `json:"timeout_minutes,omitempty"`
	TimeoutNodeID  string `json:"timeout_node_id,omitempty"`
}

// ConditionBranch is one ordered branch of a condition node. Engine selects
// an alternate evaluator ("cel" or "expr"); empty uses the builtin one.
// An empty TargetNodeID resolves through the edge whose handle is the branch ID.
type ConditionBranch struct {
	ID           string `json:"id,omitempty"`
	Expression   string `json:"expression"`
	Engine       string `json:"engine,omitempty"`
	TargetNodeID string `json:"target_node_id,omitempty"`
}

type ConditionConfig struct {
	Branches      []ConditionBranch `json:"branches,omitempty"`
	DefaultNodeID string            `json:"default_node_id,omitempty"`
}

// HTTPRequestConfig calls an external service. Extract maps variable names
// to paths inside the parsed response body.
type HTTPRequestConfig struct {
	Method           string            `json:"method,omitempty"`
	URL              string            `json:"url,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             string            `json:"body,omitempty"`
	ResponseVariable string            `json:"response_variable,omitempty"`
	Extract          map[string]string `json:"extract,omitempty"`
	ErrorNodeID      string            `json:"error_node_id,omitempty"`
}

// Assignment sets one variable.
type Assignment struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type SetVariablesConfig struct {
	Assignments []Assignment      `json:"assignments,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// Entries returns ordered assignments followed by map entries sorted by key.
func (c *SetVariablesConfig) Entries() []Assignment {
	out := make([]Assignment, 0, len(c.Assignments)+len(c.Variables))
	out = append(out, c.Assignments...)
	keys := make([]string, 0, len(c.Variables))
	for k := range c.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, Assignment{Key: k, Value: c.Variables[k]})
	}
	return out
}

// DelayConfig resumes after Amount Units, or at the next time matching Cron.
type DelayConfig struct {
	Amount int    `json:"amount,omitempty"`
	Unit   string `json:"unit,omitempty"`
	Cron   string `json:"cron,omitempty"`
}

type EndConfig struct{}

// UnknownConfig is assigned to unrecognized node types; they behave as end.
type UnknownConfig struct {
	Type NodeType
}

func (StartConfig) Kind() NodeType        { return NodeStart }
func (SendTemplateConfig) Kind() NodeType { return NodeSendTemplate }
func (SendMessageConfig) Kind() NodeType  { return NodeSendMessage }
func (WaitForReplyConfig) Kind() NodeType { return NodeWaitForReply }
func (ConditionConfig) Kind() NodeType    { return NodeCondition }
func (HTTPRequestConfig) Kind() NodeType  { return NodeHTTPRequest }
func (SetVariablesConfig) Kind() NodeType { return NodeSetVariables }
func (DelayConfig) Kind() NodeType        { return NodeDelay }
func (EndConfig) Kind() NodeType          { return NodeEnd }
func (c UnknownConfig) Kind() NodeType    { return c.Type }

// ParseGraph decodes a graph document and each node's data into its typed config.
func ParseGraph(raw json.RawMessage) (*Graph, error) {
	if len(raw) == 0 {
		return nil, NewError(ErrCodeConfiguration, "journey graph is empty")
	}
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, NewError(ErrCodeConfiguration, "invalid journey graph").WithCause(err)
	}
	for i := range g.Nodes {
		cfg, err := decodeConfig(g.Nodes[i].Type, g.Nodes[i].Data)
		if err != nil {
			return nil, NewErrorf(ErrCodeConfiguration, "invalid data for %s node: %s", g.Nodes[i].Type, err.Error()).
				WithNode(g.Nodes[i].ID).WithCause(err)
		}
		g.Nodes[i].Config = cfg
	}
	g.reindex()
	return &g, nil
}

func decodeConfig(t NodeType, data json.RawMessage) (NodeConfig, error) {
	var cfg NodeConfig
	switch t {
	case NodeStart:
		return &StartConfig{}, nil
	case NodeEnd:
		return &EndConfig{}, nil
	case NodeSendTemplate:
		cfg = &SendTemplateConfig{}
	case NodeSendMessage:
		cfg = &SendMessageConfig{}
	case NodeWaitForReply:
		cfg = &WaitForReplyConfig{}
	case NodeCondition:
		cfg = &ConditionConfig{}
	case NodeHTTPRequest:
		cfg = &HTTPRequestConfig{}
	case NodeSetVariables:
		cfg = &SetVariablesConfig{}
	case NodeDelay:
		cfg = &DelayConfig{}
	default:
		return &UnknownConfig{Type: t}, nil
	}
	if len(data) == 0 || string(data) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *Graph) reindex() {
	g.index = make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		g.index[n.ID] = i
	}
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *Node {
	if g.index == nil {
		g.reindex()
	}
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return &g.Nodes[i]
}

// StartNode returns the graph's single start node.
func (g *Graph) StartNode() (*Node, error) {
	var start *Node
	for i := range g.Nodes {
		if g.Nodes[i].Type != NodeStart {
			continue
		}
		if start != nil {
			return nil, NewError(ErrCodeConfiguration, "journey has more than one start node")
		}
		start = &g.Nodes[i]
	}
	if start == nil {
		return nil, NewError(ErrCodeConfiguration, "journey has no start node")
	}
	return start, nil
}

// Outgoing returns the edges leaving a node in declared order.
func (g *Graph) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EdgeForHandle returns the target of the first edge leaving nodeID through
// handle, or "".
func (g *Graph) EdgeForHandle(nodeID, handle string) string {
	for _, e := range g.Edges {
		if e.Source == nodeID && e.SourceHandle == handle {
			return e.Target
		}
	}
	return ""
}

// FirstDefaultEdge returns the target of the first outgoing edge that is not
// an error or timeout path, or "".
func (g *Graph) FirstDefaultEdge(nodeID string) string {
	for _, e := range g.Edges {
		if e.Source != nodeID {
			continue
		}
		if e.SourceHandle == HandleError || e.SourceHandle == HandleTimeout {
			continue
		}
		return e.Target
	}
	return ""
}

// SingleTarget returns the target of the node's outgoing edge without handle
// filtering. A node with no outgoing edge is a configuration error.
func (g *Graph) SingleTarget(nodeID string) (string, error) {
	for _, e := range g.Edges {
		if e.Source == nodeID {
			return e.Target, nil
		}
	}
	return "", NewError(ErrCodeConfiguration, "node has no outgoing edge").WithNode(nodeID)
}

// String implements fmt.Stringer for log output.
func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.ID, n.Type)
}
