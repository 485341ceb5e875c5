package streams

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"logbridge/internal/etl"
)

// ── Definitions File ───────────────────────────────────────
// Extra streams declared in YAML, registered next to the built-in ones:
//
//	streams:
//	  - name: gateway-staging
//	    kind: gateway
//	    source_selector: graylog-staging
//	    stream_id: 547b29b6d4c6c10b4f1b934d
//	    table: gw_staging
//	    filters:
//	      - term: {host: staging.example.org}
//	    columns:
//	      - {name: id, type: SERIAL, constraints: PRIMARY KEY NOT NULL}
//	      - ...
//
// When query is given it replaces the generated template entirely.

// Definitions is the top level of a stream definitions file.
type Definitions struct {
	Streams []Definition `yaml:"streams"`
}

// Definition declares one stream.
type Definition struct {
	Name           string           `yaml:"name"`
	Kind           etl.Kind         `yaml:"kind"`
	SourceSelector string           `yaml:"source_selector"`
	StreamID       string           `yaml:"stream_id"`
	Table          string           `yaml:"table"`
	Columns        []etl.Column     `yaml:"columns"`
	Filters        []map[string]any `yaml:"filters"`
	Query          map[string]any   `yaml:"query"`
}

// Schema converts the definition into a StreamSchema.
func (d Definition) Schema() (etl.StreamSchema, error) {
	var query json.RawMessage
	if d.Query != nil {
		b, err := json.Marshal(d.Query)
		if err != nil {
			return etl.StreamSchema{}, fmt.Errorf("stream %s: encode query: %w", d.Name, err)
		}
		query = b
	} else {
		query = streamQuery(d.StreamID, d.Filters...)
	}
	return etl.StreamSchema{
		Name:           d.Name,
		Kind:           d.Kind,
		SourceSelector: d.SourceSelector,
		StreamID:       d.StreamID,
		Query:          query,
		Table:          d.Table,
		Columns:        d.Columns,
	}, nil
}

// ParseDefinitions decodes a definitions document.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse stream definitions: %w", err)
	}
	return &defs, nil
}

// LoadDefinitions reads a definitions file and registers every stream in it.
// It returns the names registered, in file order.
func LoadDefinitions(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream definitions: %w", err)
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(defs.Streams))
	for _, d := range defs.Streams {
		s, err := d.Schema()
		if err != nil {
			return names, err
		}
		if err := etl.RegisterStream(s); err != nil {
			return names, fmt.Errorf("%s: %w", path, err)
		}
		names = append(names, s.Name)
	}
	return names, nil
}
