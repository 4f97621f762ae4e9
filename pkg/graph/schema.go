package graph

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileStrict compiles a JSON Schema document (the generic-map form
// plugin descriptors carry) into a validator. Sources use this for their
// strict output-schema validation at the trust boundary.
func CompileStrict(doc map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("graph: marshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://elspeth.schemas.local/source.schema.json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("graph: load schema: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("graph: compile schema: %w", err)
	}
	return compiled, nil
}

// checkFieldCompatibility verifies that every required field of the
// downstream input schema that has no default is produced by the upstream
// output schema with a compatible type. Either schema being absent means
// the stage makes no declaration and the edge passes.
func checkFieldCompatibility(from, to map[string]interface{}) error {
	if from == nil || to == nil {
		return nil
	}
	fromProps := propertiesOf(from)
	toProps := propertiesOf(to)
	for _, field := range requiredOf(to) {
		toField, ok := toProps[field]
		if ok {
			if _, hasDefault := toField["default"]; hasDefault {
				continue
			}
		}
		fromField, produced := fromProps[field]
		if !produced {
			return fmt.Errorf("required field %q is not produced upstream", field)
		}
		if err := typesCompatible(fromField, toField); err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
	}
	return nil
}

func propertiesOf(schema map[string]interface{}) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{})
	props, _ := schema["properties"].(map[string]interface{})
	for name, raw := range props {
		if field, ok := raw.(map[string]interface{}); ok {
			out[name] = field
		}
	}
	return out
}

func requiredOf(schema map[string]interface{}) []string {
	var out []string
	switch req := schema["required"].(type) {
	case []interface{}:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = req
	}
	return out
}

// typesCompatible applies the edge rules: exact match, integer widening to
// number, T accepted where the consumer also admits null (the Optional[T]
// declaration), and an undeclared type on either side matching anything.
func typesCompatible(fromField, toField map[string]interface{}) error {
	fromTypes := typeSet(fromField)
	toTypes := typeSet(toField)
	if len(fromTypes) == 0 || len(toTypes) == 0 {
		return nil
	}
	for ft := range fromTypes {
		if toTypes[ft] {
			continue
		}
		if ft == "integer" && toTypes["number"] {
			continue
		}
		return fmt.Errorf("type %q produced upstream is not accepted downstream", ft)
	}
	return nil
}

func typeSet(field map[string]interface{}) map[string]bool {
	out := make(map[string]bool)
	if field == nil {
		return out
	}
	switch t := field["type"].(type) {
	case string:
		out[t] = true
	case []interface{}:
		for _, v := range t {
			if s, ok := v.(string); ok {
				out[s] = true
			}
		}
	case []string:
		for _, s := range t {
			out[s] = true
		}
	}
	return out
}
