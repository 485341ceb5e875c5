package etl_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"logbridge/internal/etl"
	_ "logbridge/internal/etl/streams"
)

// ─────────────────────────────────────────────────────────────
// Transformer tests
// ─────────────────────────────────────────────────────────────

func mustStream(t *testing.T, name string) *etl.StreamSchema {
	t.Helper()
	s, err := etl.GetStream(name)
	if err != nil {
		t.Fatalf("GetStream(%q): %v", name, err)
	}
	return s
}

// rowMap keys a row by its target field names.
func rowMap(s *etl.StreamSchema, row etl.Row) map[string]any {
	m := make(map[string]any, len(row))
	for i, name := range s.TargetFields() {
		m[name] = row[i]
	}
	return m
}

func TestTransform_GatewayDerivesURIAndOperation(t *testing.T) {
	s := mustStream(t, "graylog")
	raw := etl.RawRecord{UID: "rec-1", Fields: map[string]any{
		"request_path": "GET /api/v1/widgets",
		"timestamp":    "2024-03-01 09:15:30.123",
	}}

	row, keep, err := etl.Transform(s, raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !keep {
		t.Fatal("expected gateway record to be kept")
	}
	if len(row) != len(s.TargetFields()) {
		t.Fatalf("row has %d values, want %d", len(row), len(s.TargetFields()))
	}

	got := rowMap(s, row)
	if got["uri"] != "/api/v1/widgets" {
		t.Errorf("uri = %v, want /api/v1/widgets", got["uri"])
	}
	if got["operation"] != "widgets" {
		t.Errorf("operation = %v, want widgets", got["operation"])
	}
	if got["uid"] != "rec-1" {
		t.Errorf("uid = %v, want rec-1", got["uid"])
	}
	if got["request_id"] != nil {
		t.Errorf("absent field should be nil, got %v", got["request_id"])
	}
}

func TestTransform_GatewayKeepsExistingURI(t *testing.T) {
	s := mustStream(t, "graylog")
	raw := etl.RawRecord{UID: "rec-2", Fields: map[string]any{
		"URI":          "/v2/payments/status",
		"request_path": "POST /ignored",
		"timestamp":    "2024-03-01 09:15:30",
	}}

	row, _, err := etl.Transform(s, raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	got := rowMap(s, row)
	if got["uri"] != "/v2/payments/status" || got["operation"] != "status" {
		t.Errorf("uri/operation = %v/%v", got["uri"], got["operation"])
	}
}

func TestTransform_GatewayWithoutPathFails(t *testing.T) {
	s := mustStream(t, "graylog")
	raw := etl.RawRecord{UID: "rec-3", Fields: map[string]any{"timestamp": "2024-03-01 09:15:30"}}

	_, _, err := etl.Transform(s, raw)
	if !errors.Is(err, etl.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestTransform_MicroservicesTruncatesPaymentID(t *testing.T) {
	s := mustStream(t, "microservices")
	cases := []struct {
		name string
		in   any
		want any
	}{
		{"slash", "abc123/extra", "abc123"},
		{"uuid kept", "0f8fad5b-d9cb-469f-a165-70867728950e", "0f8fad5b-d9cb-469f-a165-70867728950e"},
		{"no slash", "short", "short"},
		{"absent", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields := map[string]any{"timestamp": "2024-03-01 09:15:30"}
			if tc.in != nil {
				fields["payment_id"] = tc.in
			}
			row, keep, err := etl.Transform(s, etl.RawRecord{UID: "m-1", Fields: fields})
			if err != nil || !keep {
				t.Fatalf("Transform: keep=%v err=%v", keep, err)
			}
			if got := rowMap(s, row)["payment_id"]; got != tc.want {
				t.Errorf("payment_id = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTransform_APISkipsRecordWithoutOperation(t *testing.T) {
	s := mustStream(t, "1c-graylog")
	batch := etl.Batch{
		{UID: "a-1", Fields: map[string]any{"timestamp": "2024-03-01 09:00:00", "success": true}},
		{UID: "a-2", Fields: map[string]any{"timestamp": "2024-03-01 09:00:01", "success": true, "operation": "GetBalance"}},
	}

	rows, skipped, last, err := etl.TransformBatch(s, batch)
	if err != nil {
		t.Fatalf("TransformBatch: %v", err)
	}
	if skipped != 1 || len(rows) != 1 {
		t.Fatalf("rows=%d skipped=%d, want 1/1", len(rows), skipped)
	}
	if got := rowMap(s, rows[0])["uid"]; got != "a-2" {
		t.Errorf("kept uid = %v, want a-2", got)
	}
	if last != "2024-03-01 12:00:01.000000" {
		t.Errorf("last = %q", last)
	}
}

func TestTransform_LowercasesAndFlattens(t *testing.T) {
	s := mustStream(t, "1c-graylog")
	raw := etl.RawRecord{UID: "a-3", Fields: map[string]any{
		"Timestamp": "2024-03-01 09:00:00",
		"Operation": "Pay",
		"SUCCESS":   false,
		"exception": map[string]any{"code": 7},
	}}

	row, keep, err := etl.Transform(s, raw)
	if err != nil || !keep {
		t.Fatalf("Transform: keep=%v err=%v", keep, err)
	}
	got := rowMap(s, row)
	want := map[string]any{
		"uid":        "a-3",
		"timestamp":  "2024-03-01 12:00:00.000000",
		"login":      nil,
		"client":     nil,
		"operation":  "Pay",
		"success":    false,
		"exception":  `{"code":7}`,
		"request_id": nil,
		"level":      nil,
		"azp":        nil,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("row mismatch (-want +got):\n%s", diff)
	}
}

func TestTransformBatch_FieldErrorCarriesPayload(t *testing.T) {
	s := mustStream(t, "graylog")
	batch := etl.Batch{
		{UID: "ok", Fields: map[string]any{"uri": "/a/b", "timestamp": "2024-03-01 09:00:00"}},
		{UID: "bad", Fields: map[string]any{"timestamp": "2024-03-01 09:00:01"}},
	}

	_, _, _, err := etl.TransformBatch(s, batch)
	var fe *etl.FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldError, got %v", err)
	}
	if fe.Field != "request_path" {
		t.Errorf("field = %q", fe.Field)
	}
	if fe.Payload == "" {
		t.Error("expected payload of the offending record")
	}
}

// ── Timestamps ─────────────────────────────────────────────

func TestNormalizeTimestamp(t *testing.T) {
	cases := []struct {
		in   any
		want string
		ok   bool
	}{
		{"2024-03-01 09:15:30.123", "2024-03-01 12:15:30.123000", true},
		{"2024-03-01 22:00:00", "2024-03-02 01:00:00.000000", true},
		{"2024-03-01 09:15:30.123456", "2024-03-01 12:15:30.123456", true},
		{"yesterday", "", false},
		{float64(1700000000), "", false},
		{nil, "", false},
	}
	for _, tc := range cases {
		got, err := etl.NormalizeTimestamp(tc.in)
		if tc.ok {
			if err != nil {
				t.Errorf("NormalizeTimestamp(%v): %v", tc.in, err)
			} else if got != tc.want {
				t.Errorf("NormalizeTimestamp(%v) = %q, want %q", tc.in, got, tc.want)
			}
			continue
		}
		if !errors.Is(err, etl.ErrMissingField) {
			t.Errorf("NormalizeTimestamp(%v): expected ErrMissingField, got %v", tc.in, err)
		}
	}
}
