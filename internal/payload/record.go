// Package payload implements the opaque structured payloads carried by tasks
// and generations (`params`) and the denormalized shot index (`shot_data`).
//
// Payloads are string-keyed trees of scalars, arrays, and nested records.
// Interop requires that field names be preserved verbatim; a thin accessor
// layer tolerates the legacy key aliases (shot_id/shotId,
// thumbnail_url/thumbnailUrl) and the orchestrator precedence chains.
package payload

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Record is a string-keyed tree of scalars, arrays, and nested records.
type Record map[string]interface{}

// Parse decodes a JSON document into a Record. An empty or "null" document
// yields an empty record.
func Parse(data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, nil
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if r == nil {
		r = Record{}
	}
	return r, nil
}

// Encode serializes the record as JSON. A nil record encodes as "{}".
func (r Record) Encode() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// Clone returns a deep copy via a JSON round-trip.
func (r Record) Clone() Record {
	if r == nil {
		return Record{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return Record{}
	}
	out, err := Parse(data)
	if err != nil {
		return Record{}
	}
	return out
}

// Child returns the nested record at key, or nil if absent or not a record.
func (r Record) Child(key string) Record {
	if r == nil {
		return nil
	}
	switch v := r[key].(type) {
	case map[string]interface{}:
		return Record(v)
	case Record:
		return v
	default:
		return nil
	}
}

// String returns the first non-empty string value among the given keys.
func (r Record) String(keys ...string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, key := range keys {
		if v, ok := r[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// Bool returns the first boolean-convertible value among the given keys.
// Accepts native booleans and the string forms "true"/"false".
func (r Record) Bool(keys ...string) (bool, bool) {
	if r == nil {
		return false, false
	}
	for _, key := range keys {
		v, ok := r[key]
		if !ok {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			switch strings.ToLower(b) {
			case "true":
				return true, true
			case "false":
				return false, true
			}
		}
	}
	return false, false
}

// Set assigns a value, allocating the map when needed, and returns the record.
func (r Record) Set(key string, value interface{}) Record {
	if r == nil {
		r = Record{}
	}
	r[key] = value
	return r
}
