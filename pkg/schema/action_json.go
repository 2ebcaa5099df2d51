package schema

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// MarshalJSON flattens the node to its raw form so the semantic phase and
// schema export see the document shape, not the wrapper.
func (a ActionNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Raw)
}

// UnmarshalJSON accepts the same two shapes as YAML: a bare command string
// or an action mapping.
func (a *ActionNode) UnmarshalJSON(data []byte) error {
	var cmd string
	if err := json.Unmarshal(data, &cmd); err == nil {
		a.Raw = RawAction{Command: cmd}
		return nil
	}
	return json.Unmarshal(data, &a.Raw)
}

// JSONSchema declares the action as either a command string or an action
// object. Field-level rules live in the domain phase where they can name
// precise paths.
func (ActionNode) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "object"},
		},
	}
}
