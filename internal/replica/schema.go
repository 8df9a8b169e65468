package replica

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema validates local payloads before they are written.
type Schema struct {
	schema *jsonschema.Schema
}

func CompileSchema(name, document string) (*Schema, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "payload"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	url := name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{schema: compiled}, nil
}

func (s *Schema) Validate(payload []byte) error {
	if s == nil || s.schema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return s.schema.Validate(inst)
}
