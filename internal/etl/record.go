package etl

import (
	"encoding/json"
	"strings"
)

// ── Record ─────────────────────────────────────────────────
// Common intermediate data format.
// The source emits RawRecords, the transformer turns them into Rows,
// the destination consumes Rows.

// RawRecord is a single log entry as returned by the log store.
type RawRecord struct {
	// UID is the store's own identifier for the entry (the search hit _id).
	// It is the idempotency key for loading.
	UID    string         `json:"uid"`
	Fields map[string]any `json:"fields"`
}

// Batch is one page of records returned by a cursor open or advance.
type Batch []RawRecord

// Row is a tuple of values positionally aligned to StreamSchema.TargetFields.
// Values may be nil for optional fields.
type Row []any

// Payload renders the record back to JSON for diagnostics.
func (r RawRecord) Payload() string {
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}

// lowerKeys returns a copy of m with all keys lower-cased.
// When two keys differ only in case the later one in iteration order wins,
// same as the log store's own case-insensitive field lookup.
func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// FlattenValue keeps scalar values (string, number, bool, nil) as they are.
// Nested objects/arrays are serialized as JSON strings.
func FlattenValue(v any) any {
	switch v.(type) {
	case string, float64, bool, nil, json.Number:
		return v
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
