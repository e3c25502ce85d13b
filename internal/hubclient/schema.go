package hubclient

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Frames are validated before anything reaches the reconciler: the adapter
// may drop frames, but it never has to defend against non-object payloads
// or a missing eventType.
const hubFrameSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["eventType", "payload"],
  "properties": {
    "eventType": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[A-Za-z]+(Started|Progress|Complete|Failed)$"
    },
    "payload": {
      "type": "object",
      "properties": {
        "id": {"type": "string"},
        "operationId": {"type": "string"},
        "service": {"type": "string"},
        "percentComplete": {"type": "number", "minimum": 0, "maximum": 100},
        "status": {"enum": ["running", "completed", "failed", "cancelled"]},
        "success": {"type": "boolean"},
        "cancelled": {"type": "boolean"},
        "message": {"type": "string"},
        "detailMessage": {"type": "string"},
        "error": {"type": "string"}
      }
    }
  }
}`

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(hubFrameSchema))
	if err != nil {
		return nil, err
	}
	if err := compiler.AddResource("hubframe.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("hubframe.json")
	if err != nil {
		return nil, err
	}
	return &Validator{schema: schema}, nil
}

// Validate checks a raw frame against the hub frame schema.
func (v *Validator) Validate(raw []byte) error {
	if v == nil || v.schema == nil {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid frame json: %w", err)
	}
	return v.schema.Validate(instance)
}
