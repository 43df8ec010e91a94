package validation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/wajourney/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func requireValidationError(t *testing.T, err error) *schema.FlowError {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe), "expected FlowError, got %T", err)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	return fe
}

func TestLoad_Valid(t *testing.T) {
	v := newValidator(t)
	g, err := v.Load(json.RawMessage(`{
	  "nodes": [
	    {"id": "s", "type": "start", "position": {"x": 1, "y": 2}},
	    {"id": "m", "type": "send_message", "data": {"body": "Hi {{contact.name}}", "label": "editor-only"}},
	    {"id": "e", "type": "end"}
	  ],
	  "edges": [
	    {"id": "1", "source": "s", "target": "m"},
	    {"id": "2", "source": "m", "target": "e", "sourceHandle": null}
	  ]
	}`))
	require.NoError(t, err)
	require.Len(t, g.Nodes, 3)
	cfg, ok := g.Node("m").Config.(*schema.SendMessageConfig)
	require.True(t, ok)
	assert.Equal(t, "Hi {{contact.name}}", cfg.Body)
}

func TestLoad_MissingRequiredBusinessFieldsAllowed(t *testing.T) {
	v := newValidator(t)
	_, err := v.Load(json.RawMessage(`{"nodes":[{"id":"t","type":"send_template","data":{}}],"edges":[]}`))
	assert.NoError(t, err, "template reference is checked at execution time")
}

func TestLoad_Empty(t *testing.T) {
	v := newValidator(t)
	requireValidationError(t, func() error { _, err := v.Load(nil); return err }())
}

func TestLoad_NotJSON(t *testing.T) {
	v := newValidator(t)
	_, err := v.Load(json.RawMessage(`{nodes`))
	requireValidationError(t, err)
}

func TestLoad_MissingNodes(t *testing.T) {
	v := newValidator(t)
	_, err := v.Load(json.RawMessage(`{"edges":[]}`))
	fe := requireValidationError(t, err)
	assert.NotEmpty(t, fe.Details["violations"])
}

func TestLoad_NodeWithoutID(t *testing.T) {
	v := newValidator(t)
	_, err := v.Load(json.RawMessage(`{"nodes":[{"type":"start"}]}`))
	requireValidationError(t, err)
}

func TestLoad_BadNodeDataTypes(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name string
		node string
	}{
		{"negative timeout", `{"id":"w","type":"wait_for_reply","data":{"timeout_minutes":-5}}`},
		{"string timeout", `{"id":"w","type":"wait_for_reply","data":{"timeout_minutes":"10"}}`},
		{"bad delay unit", `{"id":"w","type":"delay","data":{"amount":1,"unit":"weeks"}}`},
		{"numeric variable value", `{"id":"w","type":"set_variables","data":{"variables":{"a":5}}}`},
		{"branch without expression", `{"id":"w","type":"condition","data":{"branches":[{"id":"a"}]}}`},
		{"unknown engine", `{"id":"w","type":"condition","data":{"branches":[{"expression":"x","engine":"lua"}]}}`},
		{"header not string", `{"id":"w","type":"http_request","data":{"headers":{"X":1}}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Load(json.RawMessage(`{"nodes":[` + tc.node + `],"edges":[]}`))
			fe := requireValidationError(t, err)
			assert.Equal(t, "w", fe.NodeID)
		})
	}
}

func TestLoad_UnknownKindDataIgnored(t *testing.T) {
	v := newValidator(t)
	g, err := v.Load(json.RawMessage(`{"nodes":[{"id":"x","type":"custom_widget","data":{"anything":[1,2]}}]}`))
	require.NoError(t, err)
	assert.Equal(t, schema.NodeType("custom_widget"), g.Node("x").Config.Kind())
}

func TestLoad_DuplicateNodeID(t *testing.T) {
	v := newValidator(t)
	_, err := v.Load(json.RawMessage(`{"nodes":[{"id":"a","type":"start"},{"id":"a","type":"end"}]}`))
	fe := requireValidationError(t, err)
	assert.Contains(t, fe.Message, "duplicate node id")
}

func TestLoad_EdgeToUnknownNode(t *testing.T) {
	v := newValidator(t)
	_, err := v.Load(json.RawMessage(`{"nodes":[{"id":"a","type":"start"}],"edges":[{"id":"e","source":"a","target":"ghost"}]}`))
	fe := requireValidationError(t, err)
	assert.Contains(t, fe.Message, "ghost")
}
