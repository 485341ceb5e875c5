// Package streams registers the built-in log streams. Import it for its
// side effects.
package streams

import (
	"encoding/json"

	"logbridge/internal/etl"
)

// ── Shared Definitions ─────────────────────────────────────

// baseColumns opens every stream table: insertion-order key, the log store
// record id and the normalized record time.
func baseColumns() []etl.Column {
	return []etl.Column{
		{Name: "id", Type: "SERIAL", Constraints: "PRIMARY KEY NOT NULL"},
		{Name: "uid", Type: "UUID", Constraints: "NOT NULL UNIQUE"},
		{Name: "timestamp", Type: "TIMESTAMP", Constraints: "NOT NULL"},
	}
}

// streamQuery builds the search template matching one log store stream,
// with optional extra filter clauses.
func streamQuery(streamID string, extra ...map[string]any) json.RawMessage {
	filter := []any{map[string]any{"term": map[string]any{"streams": streamID}}}
	for _, c := range extra {
		filter = append(filter, c)
	}
	q := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{"filter": filter},
		},
		"size": 200,
		"sort": map[string]any{"timestamp": map[string]any{"order": "asc"}},
	}
	b, err := json.Marshal(q)
	if err != nil {
		panic(err)
	}
	return b
}
