package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const resourceURL = "http://jobqueue.local/schema.json"

// compile runs doc through a full draft 2020-12 compiler so keywords the
// structural parser ignores are still checked.
func compile(doc map[string]interface{}) (*jsonschema.Schema, error) {
	v, err := normalize(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceURL, v); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resourceURL)
}

func checkDraft(doc map[string]interface{}) error {
	_, err := compile(doc)
	return err
}

// ValidateData checks data against the schema document doc. A nil or empty
// document accepts anything.
func ValidateData(doc map[string]interface{}, data interface{}) error {
	if len(doc) == 0 {
		return nil
	}
	sch, err := compile(doc)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	inst, err := normalize(data)
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

// normalize round-trips v through JSON so numbers and nested maps take the
// shapes the compiler expects.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	out, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}
