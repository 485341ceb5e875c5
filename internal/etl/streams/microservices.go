package streams

import "logbridge/internal/etl"

// ── Microservices Stream ───────────────────────────────────
// Payment and phone verification events from the cluster-wide index.

const (
	microservicesStreamID = "5b06c2307bb9fd00018e4dae"
)

func init() {
	etl.MustRegisterStream(etl.StreamSchema{
		Name:           "microservices",
		Kind:           etl.KindMicroservices,
		SourceSelector: "kuber-all",
		StreamID:       microservicesStreamID,
		Query: streamQuery(microservicesStreamID, map[string]any{
			"bool": map[string]any{
				"should": []any{
					map[string]any{"regexp": map[string]any{"payment_id": ".+"}},
					map[string]any{"regexp": map[string]any{"service": "phone-verification-.*"}},
				},
			},
		}),
		Table: "microservices",
		Columns: append(baseColumns(),
			etl.Column{Name: "message", Type: "TEXT"},
			etl.Column{Name: "service", Type: "VARCHAR(50)"},
			etl.Column{Name: "phone", Type: "BIGINT"},
			etl.Column{Name: "time_process", Type: "DOUBLE PRECISION"},
			etl.Column{Name: "customer_id", Type: "UUID"},
			etl.Column{Name: "payment_id", Type: "UUID"},
			etl.Column{Name: "card_number", Type: "VARCHAR(50)"},
			etl.Column{Name: "commis_amount", Type: "INTEGER"},
			etl.Column{Name: "ecom_msg", Type: "TEXT"},
			etl.Column{Name: "handler_name", Type: "CHAR(10)"},
			etl.Column{Name: "payment_amount", Type: "INTEGER"},
			etl.Column{Name: "payment_status", Type: "VARCHAR(50)"},
			etl.Column{Name: "status", Type: "VARCHAR(20)"},
			etl.Column{Name: "status_redirect", Type: "TEXT"},
			etl.Column{Name: "url", Type: "TEXT"},
			etl.Column{Name: "verification_count", Type: "INTEGER"},
		),
	})
}
