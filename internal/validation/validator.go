package validation

import (
	"encoding/json"

	"github.com/rendis/wajourney/pkg/schema"
)

// GraphLoader validates a published journey graph and decodes it into typed
// node configs. Business rules that depend on runtime data (a template
// reference, an outgoing edge) are left to execution.
type GraphLoader interface {
	Load(raw json.RawMessage) (*schema.Graph, error)
}
