package detection

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// recordSchema is the structural contract for the inbound record. It guards
// against malformed payloads before any field is copied into a Detection;
// the semantic bounds in Validate are re-checked independently.
const recordSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["sensor_id", "latitude", "longitude", "accuracy_m", "confidence", "class", "captured_at"],
	"properties": {
		"sensor_id":   {"type": "string", "minLength": 1},
		"latitude":    {"type": "number"},
		"longitude":   {"type": "number"},
		"elevation_m": {"type": "number"},
		"accuracy_m":  {"type": "number"},
		"confidence":  {"type": "number"},
		"class":       {"type": "string", "minLength": 1, "maxLength": 64},
		"captured_at": {"type": "string"},
		"terrain":     {"type": "string"},
		"remarks":     {"type": "string"}
	},
	"additionalProperties": false
}`

var recordSchemaLoader = gojsonschema.NewStringLoader(recordSchema)

// CheckRecordJSON validates raw inbound JSON against the record schema.
// Returns a ValidationError listing the first few violations.
func CheckRecordJSON(raw []byte) error {
	result, err := gojsonschema.Validate(recordSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Reason: "malformed_json", Detail: fmt.Sprintf("unparseable payload: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	var msgs []string
	for i, desc := range result.Errors() {
		if i == 3 {
			msgs = append(msgs, "...")
			break
		}
		msgs = append(msgs, desc.String())
	}
	return &ValidationError{Reason: "schema_violation", Detail: strings.Join(msgs, "; ")}
}
