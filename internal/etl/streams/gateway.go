package streams

import "logbridge/internal/etl"

// ── Gateway Stream ─────────────────────────────────────────
// Access logs of the public gateway. The "test" stream loads the same
// records into a scratch table.

const (
	gatewayStreamID = "547b29b6d4c6c10b4f1b934d"
	gatewayHost     = "gw.centrofinans.ru"
)

func gatewayColumns() []etl.Column {
	return append(baseColumns(),
		etl.Column{Name: "request_id", Type: "UUID"},
		etl.Column{Name: "operation", Type: "VARCHAR(100)", Constraints: "NOT NULL"},
		etl.Column{Name: "request", Type: "TEXT"},
		etl.Column{Name: "body_bytes_sent", Type: "INTEGER"},
		etl.Column{Name: "remote_addr_city_name", Type: "VARCHAR(50)"},
		etl.Column{Name: "request_time", Type: "REAL"},
		etl.Column{Name: "remote_addr_geolocation", Type: "VARCHAR(50)"},
		etl.Column{Name: "remote_addr", Type: "VARCHAR(25)"},
		etl.Column{Name: "gl2_accounted_message_size", Type: "INTEGER"},
		etl.Column{Name: "response_status", Type: "INTEGER"},
		etl.Column{Name: "request_uri", Type: "TEXT"},
		etl.Column{Name: "uri", Type: "VARCHAR(100)"},
	)
}

func gatewaySchema(name, table string) etl.StreamSchema {
	return etl.StreamSchema{
		Name:           name,
		Kind:           etl.KindGateway,
		SourceSelector: "graylog",
		StreamID:       gatewayStreamID,
		Query: streamQuery(gatewayStreamID,
			map[string]any{"term": map[string]any{"host": gatewayHost}}),
		Table:   table,
		Columns: gatewayColumns(),
	}
}

func init() {
	etl.MustRegisterStream(gatewaySchema("graylog", "gw"))
	etl.MustRegisterStream(gatewaySchema("test", "test_gw"))
}
