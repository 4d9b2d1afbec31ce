package abilities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const abilitiesSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["ability_id", "name", "tactic", "technique_id", "executors"],
    "properties": {
      "ability_id":     {"type": "string", "minLength": 1},
      "name":           {"type": "string"},
      "tactic":         {"type": "string"},
      "technique_id":   {"type": "string"},
      "technique_name": {"type": "string"},
      "singleton":      {"type": "boolean"},
      "executors": {
        "type": "array",
        "minItems": 1,
        "items": {
          "type": "object",
          "required": ["command"],
          "properties": {
            "name":     {"type": "string"},
            "platform": {"type": "string"},
            "command":  {"type": "string"},
            "timeout":  {"type": "integer", "minimum": 0},
            "payloads": {"type": "array", "items": {"type": "string"}},
            "uploads":  {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    }
  }
}`

const adversariesSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["adversary_id", "name", "atomic_ordering"],
    "properties": {
      "adversary_id":    {"type": "string", "minLength": 1},
      "name":            {"type": "string"},
      "atomic_ordering": {"type": "array", "items": {"type": "string"}}
    }
  }
}`

var (
	schemaOnce      sync.Once
	schemaErr       error
	abilitySchema   *jsonschema.Schema
	adversarySchema *jsonschema.Schema
)

func compiledSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		abilitySchema, schemaErr = compileSchema("abilities.json", abilitiesSchema)
		if schemaErr != nil {
			return
		}
		adversarySchema, schemaErr = compileSchema("adversaries.json", adversariesSchema)
	})
	return abilitySchema, adversarySchema, schemaErr
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

// validateDocument checks raw YAML against a JSON schema. YAML is decoded,
// re-encoded as JSON and decoded again so numbers reach the validator as
// json.Number.
func validateDocument(content []byte, schema *jsonschema.Schema) error {
	var doc any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		doc = []any{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert yaml to json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return schema.Validate(v)
}
