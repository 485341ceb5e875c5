package etl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ── Stream ─────────────────────────────────────────────────
// A stream pairs one log category in the log store with one relational
// table: where to read, what to ask, how to reshape, where to write.
// Variants live in etl/streams/, one file per variant.

// Kind selects the per-stream transform rule. The set is closed.
type Kind string

const (
	KindAPI           Kind = "api"           // operation call logs
	KindGateway       Kind = "gateway"       // gateway access logs
	KindMicroservices Kind = "microservices" // microservice events
)

// Column is one column of a stream's fixed table definition.
type Column struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`                                   // SQL type as written for postgres
	Constraints string `json:"constraints,omitempty" yaml:"constraints,omitempty"` // e.g. "NOT NULL UNIQUE"
}

// StreamSchema describes a single stream. Immutable once registered.
type StreamSchema struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// SourceSelector is the index alias prefix in the log store.
	SourceSelector string `json:"sourceSelector"`
	// StreamID is the log store's identifier of the stream, used by the query.
	StreamID string `json:"streamId"`
	// Query is the search request template. Its query.bool.filter list is
	// extended with the time filter on every window open, on a fresh copy.
	Query json.RawMessage `json:"query"`

	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

// IDColumn is the surrogate insertion-order key every stream table carries.
const IDColumn = "id"

// TargetFields returns the ordered insert columns: every column except the
// surrogate id. The order defines positional binding of Row values.
func (s *StreamSchema) TargetFields() []string {
	fields := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == IDColumn {
			continue
		}
		fields = append(fields, c.Name)
	}
	return fields
}

// QueryTemplate decodes a fresh, mutable copy of the query template.
func (s *StreamSchema) QueryTemplate() (map[string]any, error) {
	var q map[string]any
	if err := json.Unmarshal(s.Query, &q); err != nil {
		return nil, fmt.Errorf("stream %s: decode query: %w", s.Name, err)
	}
	return q, nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the invariants the loader and transformer rely on.
func (s *StreamSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stream name is required")
	}
	if _, ok := kindRules[s.Kind]; !ok {
		return fmt.Errorf("stream %s: unknown kind %q", s.Name, s.Kind)
	}
	if s.SourceSelector == "" {
		return fmt.Errorf("stream %s: source selector is required", s.Name)
	}
	if !identRe.MatchString(s.Table) {
		return fmt.Errorf("stream %s: invalid table name %q", s.Name, s.Table)
	}

	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if !identRe.MatchString(c.Name) || c.Name != strings.ToLower(c.Name) {
			return fmt.Errorf("stream %s: invalid column name %q", s.Name, c.Name)
		}
		if c.Type == "" {
			return fmt.Errorf("stream %s: column %s has no type", s.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("stream %s: duplicate column %s", s.Name, c.Name)
		}
		seen[c.Name] = true
	}
	for _, required := range []string{IDColumn, "uid", "timestamp"} {
		if !seen[required] {
			return fmt.Errorf("stream %s: column %s is required", s.Name, required)
		}
	}

	q, err := s.QueryTemplate()
	if err != nil {
		return err
	}
	if _, err := filterList(q); err != nil {
		return fmt.Errorf("stream %s: %w", s.Name, err)
	}
	return nil
}

// filterList returns query.bool.filter of a search request body.
func filterList(q map[string]any) ([]any, error) {
	query, ok := q["query"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("query template has no query object")
	}
	boolQ, ok := query["bool"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("query template has no query.bool object")
	}
	filter, ok := boolQ["filter"].([]any)
	if !ok {
		return nil, fmt.Errorf("query template has no query.bool.filter list")
	}
	return filter, nil
}

// AppendFilter appends a clause to query.bool.filter of a decoded template.
func AppendFilter(q map[string]any, clause any) error {
	filter, err := filterList(q)
	if err != nil {
		return err
	}
	q["query"].(map[string]any)["bool"].(map[string]any)["filter"] = append(filter, clause)
	return nil
}

// ── Stream Registry ────────────────────────────────────────
// Compile-time registration via init() in each stream file;
// extra streams may be registered from a definitions file at startup.

var (
	registryMu sync.RWMutex
	registry   = map[string]*StreamSchema{}
)

// RegisterStream validates and registers a stream by name.
func RegisterStream(s StreamSchema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.Columns = append([]Column(nil), s.Columns...)
	s.Query = append(json.RawMessage(nil), s.Query...)

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[s.Name]; dup {
		return fmt.Errorf("stream %q already registered", s.Name)
	}
	registry[s.Name] = &s
	return nil
}

// MustRegisterStream is RegisterStream for init(); it panics on error.
func MustRegisterStream(s StreamSchema) {
	if err := RegisterStream(s); err != nil {
		panic(err)
	}
}

// GetStream returns a registered stream by name, or an error if not found.
func GetStream(name string) (*StreamSchema, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown stream: %q", name)
	}
	return s, nil
}

// ListStreams returns the names of all registered streams, sorted.
func ListStreams() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
