package etl_test

import (
	"encoding/json"
	"strings"
	"testing"

	"logbridge/internal/etl"
)

// ─────────────────────────────────────────────────────────────
// StreamSchema and registry tests
// ─────────────────────────────────────────────────────────────

func validSchema(name string) etl.StreamSchema {
	return etl.StreamSchema{
		Name:           name,
		Kind:           etl.KindGateway,
		SourceSelector: "graylog",
		StreamID:       "s-1",
		Query:          json.RawMessage(`{"query":{"bool":{"filter":[{"term":{"streams":"s-1"}}]}}}`),
		Table:          "scratch_" + strings.ReplaceAll(name, "-", "_"),
		Columns: []etl.Column{
			{Name: "id", Type: "SERIAL", Constraints: "PRIMARY KEY NOT NULL"},
			{Name: "uid", Type: "UUID", Constraints: "NOT NULL UNIQUE"},
			{Name: "timestamp", Type: "TIMESTAMP", Constraints: "NOT NULL"},
			{Name: "uri", Type: "VARCHAR(100)"},
		},
	}
}

func TestStreamSchema_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(s *etl.StreamSchema)
		wantErr string
	}{
		{"valid", func(*etl.StreamSchema) {}, ""},
		{"unknown kind", func(s *etl.StreamSchema) { s.Kind = "syslog" }, "unknown kind"},
		{"bad table", func(s *etl.StreamSchema) { s.Table = "gw; DROP TABLE gw" }, "invalid table name"},
		{"uppercase column", func(s *etl.StreamSchema) { s.Columns[3].Name = "URI" }, "invalid column name"},
		{"duplicate column", func(s *etl.StreamSchema) { s.Columns[3].Name = "uid" }, "duplicate column"},
		{"no uid", func(s *etl.StreamSchema) { s.Columns = append(s.Columns[:1], s.Columns[2:]...) }, "column uid is required"},
		{"no filter list", func(s *etl.StreamSchema) { s.Query = json.RawMessage(`{"query":{"match_all":{}}}`) }, "query.bool"},
		{"no selector", func(s *etl.StreamSchema) { s.SourceSelector = "" }, "source selector"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSchema("validate")
			tc.mutate(&s)
			err := s.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestStreamSchema_TargetFieldsSkipID(t *testing.T) {
	s := validSchema("targets")
	got := strings.Join(s.TargetFields(), ",")
	if got != "uid,timestamp,uri" {
		t.Errorf("TargetFields = %s", got)
	}
}

func TestStreamSchema_QueryTemplateIsFresh(t *testing.T) {
	s := validSchema("fresh")

	q1, err := s.QueryTemplate()
	if err != nil {
		t.Fatalf("QueryTemplate: %v", err)
	}
	if err := etl.AppendFilter(q1, map[string]any{"range": "x"}); err != nil {
		t.Fatalf("AppendFilter: %v", err)
	}

	q2, _ := s.QueryTemplate()
	filter := q2["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]any)
	if len(filter) != 1 {
		t.Errorf("template was mutated: filter has %d clauses", len(filter))
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	if err := etl.RegisterStream(validSchema("registry-test")); err != nil {
		t.Fatalf("RegisterStream: %v", err)
	}
	if err := etl.RegisterStream(validSchema("registry-test")); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	s, err := etl.GetStream("registry-test")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if s.Table != "scratch_registry_test" {
		t.Errorf("table = %q", s.Table)
	}

	if _, err := etl.GetStream("nope"); err == nil {
		t.Fatal("expected unknown stream error")
	}

	found := false
	for _, name := range etl.ListStreams() {
		if name == "registry-test" {
			found = true
		}
	}
	if !found {
		t.Error("ListStreams does not include registered stream")
	}
}

func TestRegistry_BuiltinStreams(t *testing.T) {
	want := map[string]string{
		"1c-graylog":    "tbapi",
		"graylog":       "gw",
		"microservices": "microservices",
		"test":          "test_gw",
	}
	for name, table := range want {
		s, err := etl.GetStream(name)
		if err != nil {
			t.Errorf("GetStream(%q): %v", name, err)
			continue
		}
		if s.Table != table {
			t.Errorf("%s: table = %q, want %q", name, s.Table, table)
		}
	}

	gw := mustStream(t, "graylog")
	test := mustStream(t, "test")
	if strings.Join(gw.TargetFields(), ",") != strings.Join(test.TargetFields(), ",") {
		t.Error("test stream should mirror the gateway columns")
	}
}
