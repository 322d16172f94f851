// Schema generation for the on-disk document format.

package envelope

import (
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
)

// recordSchema pins down the one field every record must carry; the
// rest of a record is domain data the format does not constrain.
type recordSchema struct {
	ID int64 `json:"id" jsonschema:"minimum=1,description=Positive unique record id"`
}

// fileSchema mirrors the current document shape for schema reflection.
// It is not the decode type; Decode works on fileWire so it can accept
// the legacy layout too.
type fileSchema struct {
	SchemaVersion int            `json:"schema_version,omitempty" jsonschema:"minimum=1"`
	Records       []recordSchema `json:"records"`
	NextID        int64          `json:"next_id,omitempty" jsonschema:"minimum=1,description=Next id the allocator will hand out"`
	Metadata      *Metadata      `json:"metadata,omitempty"`
}

// Schema returns the JSON Schema for the current document format.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true, AllowAdditionalProperties: true}
	s := r.ReflectFromType(reflect.TypeFor[fileSchema]())
	return json.MarshalIndent(s, "", "  ")
}
