package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJourneyServer(t *testing.T) {
	s := NewJourneyServer(Deps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.Equal(t, DefaultLaunchBatchSize, s.batchSize)
}

func TestToolRegistration(t *testing.T) {
	s := NewJourneyServer(Deps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{
		"journey.launch",
		"journey.status",
		"journey.events",
		"journey.inbound",
		"journey.diagram",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName string
		required []string
	}{
		{"journey.launch", []string{"campaign_id"}},
		{"journey.status", []string{"execution_id"}},
		{"journey.events", []string{"execution_id"}},
		{"journey.inbound", []string{"from", "to", "body"}},
		{"journey.diagram", []string{"journey_id"}},
	}

	s := NewJourneyServer(Deps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.NotEmpty(t, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}
