// Package pinax defines the PINAX archival metadata record, the DCMI type
// vocabulary, normalization helpers, and the schema validator.
package pinax

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Record is a PINAX metadata record. Records come out of the model as free
// JSON objects and stay schema-flexible through post-processing; the
// validator decides whether the shape is acceptable.
type Record map[string]any

// DCMITypes is the closed 12-value controlled vocabulary for the type field.
var DCMITypes = []string{
	"Collection",
	"Dataset",
	"Event",
	"Image",
	"InteractiveResource",
	"MovingImage",
	"PhysicalObject",
	"Service",
	"Software",
	"Sound",
	"StillImage",
	"Text",
}

// RequiredFields are the fields a record must carry to validate.
var RequiredFields = []string{"id", "title", "type", "creator", "institution", "created", "access_url"}

// NewID generates a fresh ULID for a record id.
func NewID() string {
	return ulid.Make().String()
}

// Parse decodes a JSON object into a Record.
func Parse(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	return rec, nil
}

// MarshalIndent serializes the record as pretty JSON for publication.
func (r Record) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// GetString returns the string value of a field, or "" if absent or not a string.
func (r Record) GetString(key string) string {
	s, _ := r[key].(string)
	return s
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// isEmptyValue reports whether a field value counts as missing: nil, empty
// string, or an empty list.
func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}
