package goals

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var goalSchemaJSON []byte

// compileGoalSchema builds the validator applied to every persisted
// record on load. The schema intentionally permits unknown properties
// so records written by a newer version still load.
func compileGoalSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(goalSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal goal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("goal.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add goal schema resource: %w", err)
	}
	schema, err := c.Compile("goal.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile goal schema: %w", err)
	}
	return schema, nil
}
