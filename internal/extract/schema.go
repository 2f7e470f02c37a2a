package extract

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// rawOutputSchema is the structural contract for the model's raw JSON
// output, checked before post-processing. It is deliberately loose: it
// rejects non-objects and grossly mistyped fields, while field-level rules
// (date formats, DCMI vocabulary, URL schemes) belong to the validator.
const rawOutputSchema = `{
  "type": "object",
  "properties": {
    "id": {"type": ["string", "null"]},
    "title": {"type": ["string", "null"]},
    "type": {"type": ["string", "null"]},
    "creator": {
      "anyOf": [
        {"type": ["string", "null"]},
        {"type": "array", "items": {"type": "string"}}
      ]
    },
    "institution": {"type": ["string", "null"]},
    "created": {"type": ["string", "null"]},
    "access_url": {"type": ["string", "null"]},
    "language": {"type": ["string", "null"]},
    "subjects": {"type": ["array", "null"], "items": {"type": "string"}},
    "description": {"type": ["string", "null"]},
    "source": {"type": ["string", "null"]},
    "rights": {"type": ["string", "null"]},
    "place": {
      "anyOf": [
        {"type": ["string", "null"]},
        {"type": "array", "items": {"type": "string"}}
      ]
    }
  }
}`

var outputSchema = jsonschema.MustCompileString("pinax-output.json", rawOutputSchema)

// checkShape validates the decoded model output against the structural
// schema. The error message trims the validator's multi-line output to its
// first line for logs.
func checkShape(decoded any) error {
	err := outputSchema.Validate(decoded)
	if err == nil {
		return nil
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		msg = msg[:i]
	}
	return &ParseError{Reason: msg}
}
