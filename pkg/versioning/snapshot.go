package versioning

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/rpattn/versioned/pkg/schema"
)

// Snapshot returns a value-only copy of record restricted to the columns in attrs.
// Each field goes through a JSON round trip and is re-typed against its attribute,
// so later mutation of the live record cannot reach the copy. Fields that cannot be
// serialized or converted back are dropped and reported in the second return value.
func Snapshot(record schema.Record, attrs schema.Attributes) (schema.Record, []string) {
	out := make(schema.Record, len(record))
	var dropped []string
	for key, value := range record {
		attr, ok := attrs[key]
		if !ok {
			continue
		}
		copied, ok := roundTrip(attr.Type, value)
		if !ok {
			dropped = append(dropped, key)
			continue
		}
		out[key] = copied
	}
	sort.Strings(dropped)
	return out, dropped
}

func roundTrip(t schema.FieldType, value any) (any, bool) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, false
	}
	if _, isBytes := value.([]byte); isBytes && decoded != nil {
		// json.Marshal writes []byte as base64
		raw, err := base64.StdEncoding.DecodeString(decoded.(string))
		if err != nil {
			return nil, false
		}
		decoded = raw
	}
	coerced, err := schema.Coerce(t, decoded)
	if err != nil {
		return nil, false
	}
	return coerced, true
}
