package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// keySchemas is the declarative shape table: adding a state key is a data
// change here, not a code change in the update path. Keys without an entry
// are loosely typed and accepted as-is.
var keySchemas = map[string]string{
	KeyUser:            `{"type": ["object", "null"]}`,
	KeyIsAuthenticated: `{"type": "boolean"}`,
	KeyWalletConnected: `{"type": "boolean"}`,
	KeyBalance: `{
		"type": "object",
		"required": ["btc", "usd"],
		"properties": {
			"btc": {"type": "number", "minimum": 0},
			"usd": {"type": "number", "minimum": 0}
		}
	}`,
	KeyTransactions:   `{"type": "array"}`,
	KeyAutopayRules:   `{"type": "array"}`,
	KeyErrors:         `{"type": "array"}`,
	KeyCurrentSection: `{"type": "string", "minLength": 1}`,
	KeyLastSync:       `{"type": ["number", "null"]}`,
}

// SchemaSet holds the compiled per-key validators.
type SchemaSet struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaSet compiles the declarative key schema table.
func NewSchemaSet() (*SchemaSet, error) {
	c := jsonschema.NewCompiler()
	for key, src := range keySchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %q: %w", key, err)
		}
		if err := c.AddResource(schemaURL(key), doc); err != nil {
			return nil, fmt.Errorf("add schema for %q: %w", key, err)
		}
	}
	set := &SchemaSet{schemas: make(map[string]*jsonschema.Schema, len(keySchemas))}
	for key := range keySchemas {
		sch, err := c.Compile(schemaURL(key))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", key, err)
		}
		set.schemas[key] = sch
	}
	return set, nil
}

func schemaURL(key string) string {
	return "statehub:///" + key + ".json"
}

// Validate checks value against key's declared shape. Keys without a schema
// pass. The value is normalized through a JSON round-trip first, which also
// proves it is structurally (cycle-free) serializable.
func (s *SchemaSet) Validate(key string, value any) error {
	sch, ok := s.schemas[key]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("value for %q is not serializable: %w", key, err)
	}
	// jsonschema validation wants json.Number handling, so re-parse with
	// the library's decoder rather than validating the Go value directly.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("normalize value for %q: %w", key, err)
	}
	if err := sch.Validate(parsed); err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	return nil
}
