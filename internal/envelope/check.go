// Strict format validation used by the doctor command.

package envelope

import (
	"bytes"

	"github.com/santhosh-tekuri/jsonschema/v6"

	fwerrors "github.com/maruel/flywheel/internal/errors"
)

const schemaName = "envelope.schema.json"

// CheckSchema validates data strictly against the current document
// schema. Unlike Decode it accepts nothing legacy; it is a diagnostic
// probe, not the load path.
func CheckSchema(path string, data []byte) error {
	raw, err := Schema()
	if err != nil {
		return fwerrors.IO("generating document schema", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fwerrors.IO("parsing document schema", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaName, doc); err != nil {
		return fwerrors.IO("registering document schema", err)
	}
	sch, err := c.Compile(schemaName)
	if err != nil {
		return fwerrors.IO("compiling document schema", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fwerrors.Decode(path, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fwerrors.Schema(err.Error()).WithPath(path)
	}
	return nil
}
