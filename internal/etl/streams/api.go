package streams

import "logbridge/internal/etl"

// ── API Stream ─────────────────────────────────────────────
// Operation calls logged by the accounting API.

const (
	apiStreamID = "6351401251da434ee875fc7a"
)

func init() {
	etl.MustRegisterStream(etl.StreamSchema{
		Name:           "1c-graylog",
		Kind:           etl.KindAPI,
		SourceSelector: "1c-graylog",
		StreamID:       apiStreamID,
		Query:          streamQuery(apiStreamID),
		Table:          "tbapi",
		Columns: append(baseColumns(),
			etl.Column{Name: "login", Type: "CHAR(11)"},
			etl.Column{Name: "client", Type: "UUID"},
			etl.Column{Name: "operation", Type: "VARCHAR(80)"},
			etl.Column{Name: "success", Type: "BOOLEAN", Constraints: "NOT NULL"},
			etl.Column{Name: "exception", Type: "TEXT"},
			etl.Column{Name: "request_id", Type: "UUID"},
			etl.Column{Name: "level", Type: "INTEGER"},
			etl.Column{Name: "azp", Type: "VARCHAR(30)"},
		),
	})
}
