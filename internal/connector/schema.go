package connector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ConfigSchema validates tenant settings against a JSON Schema document.
type ConfigSchema struct {
	schema *jsonschema.Schema
}

func CompileConfigSchema(name, document string) (*ConfigSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", name, err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &ConfigSchema{schema: sch}, nil
}

// MustCompileConfigSchema is for schemas embedded in connector packages.
func MustCompileConfigSchema(name, document string) *ConfigSchema {
	s, err := CompileConfigSchema(name, document)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *ConfigSchema) Validate(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("config is not valid json: %w", err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
