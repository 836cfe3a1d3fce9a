package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledSchemas caches compiled schemas keyed by their canonical JSON.
var compiledSchemas sync.Map

// compileSchema compiles a schema map, reusing a previous compilation of an
// identical document.
func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(b)
	if s, ok := compiledSchemas.Load(key); ok {
		return s.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiledSchemas.Store(key, schema)
	return schema, nil
}

// ValidateAgainstSchema checks that text is JSON conforming to schemaMap.
// Decode and validation failures wrap ErrSchemaViolation.
func ValidateAgainstSchema(schemaMap map[string]any, text string) error {
	schema, err := compileSchema(schemaMap)
	if err != nil {
		return err
	}

	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrSchemaViolation, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}

// checkStructured applies schema validation to a non-refused response.
func checkStructured(req Request, resp *Response) error {
	if req.Schema == nil || resp.Refused() || resp.Empty() {
		return nil
	}
	if err := ValidateAgainstSchema(req.Schema, resp.Text); err != nil {
		return fmt.Errorf("%s: %w (output: %s)", resp.Model, err, snippet(resp.Text, 200))
	}
	return nil
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
