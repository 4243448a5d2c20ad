package agent

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// ParametersFromStruct reflects the JSON schema of an arguments struct into
// the map form ToolDefinition.Parameters expects.
func ParametersFromStruct(v interface{}) (map[string]interface{}, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal tool schema")
	}
	ret := map[string]interface{}{}
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, errors.Wrap(err, "could not decode tool schema")
	}
	delete(ret, "$schema")
	delete(ret, "$id")
	return ret, nil
}
