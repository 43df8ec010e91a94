package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/wajourney/pkg/schema"
)

const welcomeJourney = `{
  "nodes": [
    {"id": "start", "type": "start"},
    {"id": "ask", "type": "send_template", "data": {"template_name": "onboarding_v2"}},
    {"id": "wait", "type": "wait_for_reply", "data": {"timeout_minutes": 30}},
    {"id": "check", "type": "condition", "data": {
      "branches": [{"id": "yes", "expression": "last_reply.body == 'yes'"}],
      "default_node_id": "bye"
    }},
    {"id": "thanks", "type": "send_message", "data": {"body": "Thanks!\nSee you soon"}},
    {"id": "bye", "type": "send_message", "data": {"body": "Bye \"friend\""}},
    {"id": "nudge", "type": "send_message", "data": {"body": "Still there?"}},
    {"id": "end", "type": "end"}
  ],
  "edges": [
    {"id": "e1", "source": "start", "target": "ask"},
    {"id": "e2", "source": "ask", "target": "wait"},
    {"id": "e3", "source": "wait", "target": "check"},
    {"id": "e4", "source": "wait", "target": "nudge", "sourceHandle": "timeout"},
    {"id": "e5", "source": "check", "target": "thanks", "sourceHandle": "yes"},
    {"id": "e6", "source": "nudge", "target": "end"},
    {"id": "e7", "source": "thanks", "target": "end"},
    {"id": "e8", "source": "bye", "target": "end"}
  ]
}`

func welcomeGraph(t *testing.T) *schema.Graph {
	t.Helper()
	g, err := schema.ParseGraph([]byte(welcomeJourney))
	require.NoError(t, err)
	return g
}

func TestBuild_NodesAndLabels(t *testing.T) {
	model := Build("welcome", welcomeGraph(t), nil)

	assert.Equal(t, "welcome", model.Title)
	require.Len(t, model.Nodes, 8)

	labels := map[string]string{}
	kinds := map[string]NodeKind{}
	for _, n := range model.Nodes {
		labels[n.ID] = n.Label
		kinds[n.ID] = n.Kind
		assert.Empty(t, n.Status)
	}
	assert.Equal(t, "Start", labels["start"])
	assert.Equal(t, "Template: onboarding_v2", labels["ask"])
	assert.Equal(t, "Wait for reply (30m)", labels["wait"])
	assert.Equal(t, "Condition (1 branches)", labels["check"])
	assert.Equal(t, "Message: Thanks!", labels["thanks"])

	assert.Equal(t, NodeKindSend, kinds["ask"])
	assert.Equal(t, NodeKindWait, kinds["wait"])
	assert.Equal(t, NodeKindCondition, kinds["check"])
	assert.Equal(t, NodeKindEnd, kinds["end"])
}

func TestBuild_ImplicitEdges(t *testing.T) {
	model := Build("", welcomeGraph(t), nil)

	require.Len(t, model.Edges, 9)
	last := model.Edges[8]
	assert.Equal(t, Edge{From: "check", To: "bye", Label: "default", Implicit: true}, last)
}

func TestBuild_ImplicitEdgeSkippedWhenDeclared(t *testing.T) {
	g, err := schema.ParseGraph([]byte(`{
	  "nodes": [
	    {"id": "start", "type": "start"},
	    {"id": "wait", "type": "wait_for_reply", "data": {"timeout_node_id": "late"}},
	    {"id": "late", "type": "end"},
	    {"id": "gone", "type": "http_request", "data": {"url": "https://x", "error_node_id": "missing"}}
	  ],
	  "edges": [
	    {"id": "e1", "source": "start", "target": "wait"},
	    {"id": "e2", "source": "wait", "target": "late", "sourceHandle": "timeout"}
	  ]
	}`))
	require.NoError(t, err)

	model := Build("", g, nil)
	assert.Len(t, model.Edges, 2, "duplicate and dangling implicit edges are dropped")
}

func TestBuild_Levels(t *testing.T) {
	model := Build("", welcomeGraph(t), nil)
	assert.Equal(t, [][]string{
		{"start"},
		{"ask"},
		{"wait"},
		{"check", "nudge"},
		{"thanks", "bye", "end"},
	}, model.Levels)
}

func TestBuild_UnreachableNodesGetOwnLevel(t *testing.T) {
	g, err := schema.ParseGraph([]byte(`{
	  "nodes": [
	    {"id": "start", "type": "start"},
	    {"id": "z_orphan", "type": "end"},
	    {"id": "a_orphan", "type": "end"}
	  ],
	  "edges": []
	}`))
	require.NoError(t, err)

	model := Build("", g, nil)
	assert.Equal(t, [][]string{{"start"}, {"a_orphan", "z_orphan"}}, model.Levels)
}

func TestBuild_StatusOverlay(t *testing.T) {
	model := Build("", welcomeGraph(t), &State{
		CurrentNodeID: "wait",
		Status:        schema.ExecutionStatusWaiting,
		Visited:       []string{"start", "ask", "wait"},
	})

	status := map[string]string{}
	for _, n := range model.Nodes {
		status[n.ID] = n.Status
	}
	assert.Equal(t, StatusVisited, status["start"])
	assert.Equal(t, StatusVisited, status["ask"])
	assert.Equal(t, StatusWaiting, status["wait"])
	assert.Empty(t, status["check"])
}

func TestStatusClass(t *testing.T) {
	tests := map[schema.ExecutionStatus]string{
		schema.ExecutionStatusActive:    StatusRunning,
		schema.ExecutionStatusWaiting:   StatusWaiting,
		schema.ExecutionStatusCompleted: StatusCompleted,
		schema.ExecutionStatusFailed:    StatusFailed,
		schema.ExecutionStatusTimedOut:  StatusTimedOut,
	}
	for in, want := range tests {
		assert.Equal(t, want, statusClass(in), in)
	}
}

func TestNodeLabel_Variants(t *testing.T) {
	g, err := schema.ParseGraph([]byte(`{
	  "nodes": [
	    {"id": "h", "type": "http_request", "data": {"method": "post", "url": "https://crm.example.com/v1/contacts/lookup/by-phone"}},
	    {"id": "v", "type": "set_variables", "data": {"assignments": [{"key": "tier", "value": "gold"}], "variables": {"b": "2", "a": "1"}}},
	    {"id": "d1", "type": "delay", "data": {"amount": 2, "unit": "hours"}},
	    {"id": "d2", "type": "delay", "data": {"cron": "0 9 * * *"}},
	    {"id": "x", "type": "fax"}
	  ],
	  "edges": []
	}`))
	require.NoError(t, err)

	model := Build("", g, nil)
	labels := map[string]string{}
	for _, n := range model.Nodes {
		labels[n.ID] = n.Label
	}
	assert.Equal(t, "POST https://crm.example.com/v1/contact…", labels["h"])
	assert.Equal(t, "Set tier, a, b", labels["v"])
	assert.Equal(t, "Delay 2 hours", labels["d1"])
	assert.Equal(t, "Delay until 0 9 * * *", labels["d2"])
	assert.Equal(t, "x (fax)", labels["x"])
}
