package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/wajourney/pkg/schema"
)

const graphSchemaURL = "https://wajourney.dev/schemas/graph.json"

// graphSchemaJSON describes the outer journey document. Node data is checked
// separately against the schema for its kind.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://wajourney.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "position": {"type": "object"},
          "data": {"type": ["object", "null"]}
        }
      }
    },
    "edges": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "id": {"type": "string"},
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "sourceHandle": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

// nodeDataSchemas check the types of each kind's data. Required business
// fields are deliberately absent: a missing template fails at execution.
var nodeDataSchemas = map[schema.NodeType]string{
	schema.NodeSendTemplate: `{
	  "type": "object",
	  "properties": {
	    "template_sid": {"type": "string"},
	    "template_name": {"type": "string"},
	    "language": {"type": "string"},
	    "variables": {"type": "object", "additionalProperties": {"type": "string"}}
	  }
	}`,
	schema.NodeSendMessage: `{
	  "type": "object",
	  "properties": {"body": {"type": "string"}}
	}`,
	schema.NodeWaitForReply: `{
	  "type": "object",
	  "properties": {
	    "timeout_minutes": {"type": "integer", "minimum": 0},
	    "timeout_node_id": {"type": "string"}
	  }
	}`,
	schema.NodeCondition: `{
	  "type": "object",
	  "properties": {
	    "branches": {
	      "type": "array",
	      "items": {
	        "type": "object",
	        "required": ["expression"],
	        "properties": {
	          "id": {"type": "string"},
	          "expression": {"type": "string"},
	          "engine": {"type": "string", "enum": ["", "builtin", "cel", "expr"]},
	          "target_node_id": {"type": "string"}
	        }
	      }
	    },
	    "default_node_id": {"type": "string"}
	  }
	}`,
	schema.NodeHTTPRequest: `{
	  "type": "object",
	  "properties": {
	    "method": {"type": "string"},
	    "url": {"type": "string"},
	    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
	    "body": {"type": "string"},
	    "response_variable": {"type": "string"},
	    "extract": {"type": "object", "additionalProperties": {"type": "string"}},
	    "error_node_id": {"type": "string"}
	  }
	}`,
	schema.NodeSetVariables: `{
	  "type": "object",
	  "properties": {
	    "assignments": {
	      "type": "array",
	      "items": {
	        "type": "object",
	        "required": ["key"],
	        "properties": {"key": {"type": "string"}, "value": {"type": "string"}}
	      }
	    },
	    "variables": {"type": "object", "additionalProperties": {"type": "string"}}
	  }
	}`,
	schema.NodeDelay: `{
	  "type": "object",
	  "properties": {
	    "amount": {"type": "integer", "minimum": 0},
	    "unit": {"type": "string", "enum": ["", "minutes", "hours", "days"]},
	    "cron": {"type": "string"}
	  }
	}`,
}

// JSONSchemaValidator implements GraphLoader with JSON Schema Draft 2020-12.
// It is safe for concurrent use; compiled schemas are immutable.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema
	nodeSchemas map[schema.NodeType]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the graph schema and every node data schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	graphDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource(graphSchemaURL, graphDoc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	graphSchema, err := c.Compile(graphSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	nodeSchemas := make(map[schema.NodeType]*jsonschema.Schema, len(nodeDataSchemas))
	for kind, src := range nodeDataSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		url := fmt.Sprintf("https://wajourney.dev/schemas/nodes/%s.json", kind)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", kind, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		nodeSchemas[kind] = compiled
	}

	return &JSONSchemaValidator{graphSchema: graphSchema, nodeSchemas: nodeSchemas}, nil
}

// Load validates raw against the graph schema and per-kind node schemas,
// checks structure, then parses it into a schema.Graph.
func (v *JSONSchemaValidator) Load(raw json.RawMessage) (*schema.Graph, error) {
	if len(raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "journey graph is empty")
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "journey graph is not valid JSON").WithCause(err)
	}
	if err := v.graphSchema.Validate(doc); err != nil {
		return nil, toFlowError(err, "")
	}

	if err := v.validateNodeData(doc); err != nil {
		return nil, err
	}

	g, err := schema.ParseGraph(raw)
	if err != nil {
		return nil, err
	}
	if err := checkStructure(g); err != nil {
		return nil, err
	}
	return g, nil
}

func (v *JSONSchemaValidator) validateNodeData(doc any) error {
	root, _ := doc.(map[string]any)
	nodes, _ := root["nodes"].([]any)
	for _, n := range nodes {
		node, _ := n.(map[string]any)
		kind, _ := node["type"].(string)
		id, _ := node["id"].(string)
		data, ok := node["data"]
		if !ok || data == nil {
			continue
		}
		s, known := v.nodeSchemas[schema.NodeType(kind)]
		if !known {
			continue
		}
		if err := s.Validate(data); err != nil {
			return toFlowError(err, id)
		}
	}
	return nil
}

// checkStructure catches what JSON Schema cannot express: duplicate node IDs
// and edges pointing at nodes that do not exist.
func checkStructure(g *schema.Graph) error {
	seen := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, exists := seen[n.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	for _, e := range g.Edges {
		if _, ok := seen[e.Source]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge %q references unknown source %q", e.ID, e.Source)
		}
		if _, ok := seen[e.Target]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge %q references unknown target %q", e.ID, e.Target)
		}
	}
	return nil
}

// toFlowError converts a jsonschema.ValidationError into a FlowError listing
// every leaf violation.
func toFlowError(err error, nodeID string) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithNode(nodeID)
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error()).WithNode(nodeID)
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithNode(nodeID).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ GraphLoader = (*JSONSchemaValidator)(nil)
