// Package record provides the opaque record payloads exchanged between the
// sync engine and its collaborators, plus the ordered field-patch format used
// for partial updates.
//
// The engine never interprets domain semantics beyond routing node vs. edge
// records and knowing that an edge record names two node ids. Everything else
// is carried through as-is.
package record

import (
	"encoding/json"
	"fmt"
)

// Record is an opaque entity payload keyed by field name.
// Values must be JSON-serializable.
type Record map[string]any

// Well-known edge fields. An edge record must name both endpoints;
// rows missing either are skipped by the write path with a warning.
const (
	FieldSourceID = "source_id"
	FieldTargetID = "target_id"
	FieldRelType  = "rel_type"
	FieldKind     = "kind"
	FieldParentID = "parent_id"
)

// Clone returns a shallow copy of the record. Nested values are shared;
// callers treating records as immutable batches must not mutate them after
// handing them to the engine.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a new record with every field of other laid over r.
// Neither input is modified.
func (r Record) Merge(other Record) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(other))
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// String returns the string value of a field, or "" if absent or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// MarshalJSONData serializes the record for storage in a JSON column.
// A nil record serializes as an empty object so the column stays NOT NULL.
func (r Record) MarshalJSONData() (string, error) {
	if r == nil {
		r = Record{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(data), nil
}

// UnmarshalJSONData parses a JSON column value back into a record.
func UnmarshalJSONData(data string) (Record, error) {
	if data == "" {
		return Record{}, nil
	}
	var r Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return r, nil
}
