package etl

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ── Transformer ────────────────────────────────────────────
// Reshapes a raw log record into a Row for the stream's table:
// normalize names → per-kind rule → timestamp shift → projection.
//
// The per-kind rules encode quirks of the upstream log producers and are
// kept exactly as the producers need them.

// Rule applies a stream kind's field derivations in place.
// Returns keep=false to drop the record.
type Rule interface {
	Apply(fields map[string]any) (keep bool, err error)
}

// RuleFunc adapts a plain function to the Rule interface.
type RuleFunc func(map[string]any) (bool, error)

func (f RuleFunc) Apply(fields map[string]any) (bool, error) { return f(fields) }

var kindRules = map[Kind]Rule{
	KindAPI:           RuleFunc(apiRule),
	KindGateway:       RuleFunc(gatewayRule),
	KindMicroservices: RuleFunc(microservicesRule),
}

const (
	// TimestampLayout is how timestamps are rendered after normalization.
	TimestampLayout = "2006-01-02 15:04:05.000000"
	// timestampParseLayout accepts any fractional precision, including none.
	timestampParseLayout = "2006-01-02 15:04:05"

	// LocalOffset converts the log store's UTC timestamps to local time.
	LocalOffset = 3 * time.Hour
)

// ── Built-in Rules ─────────────────────────────────────────

// apiRule drops calls that carry no operation name.
func apiRule(f map[string]any) (bool, error) {
	return f["operation"] != nil, nil
}

// gatewayRule derives uri from the request line when absent, then derives
// operation as the last path segment of uri.
func gatewayRule(f map[string]any) (bool, error) {
	if _, ok := f["uri"]; !ok {
		rp, ok := f["request_path"]
		if !ok {
			return false, &FieldError{Field: "request_path"}
		}
		line, ok := rp.(string)
		if !ok {
			return false, &FieldError{Field: "request_path", Reason: "not a string"}
		}
		parts := strings.Split(line, " ")
		if len(parts) < 2 {
			return false, &FieldError{Field: "request_path", Reason: fmt.Sprintf("no path in %q", line)}
		}
		f["uri"] = parts[1]
	}

	uri, ok := f["uri"].(string)
	if !ok {
		return false, &FieldError{Field: "uri", Reason: "not a string"}
	}
	f["operation"] = uri[strings.LastIndex(uri, "/")+1:]
	return true, nil
}

// microservicesRule cuts non-UUID payment ids at the first slash.
func microservicesRule(f map[string]any) (bool, error) {
	id, ok := f["payment_id"].(string)
	if ok && id != "" && utf8.RuneCountInString(id) != 36 {
		if i := strings.Index(id, "/"); i >= 0 {
			f["payment_id"] = id[:i]
		}
	}
	return true, nil
}

// NormalizeTimestamp parses a log store timestamp, shifts it to local time
// and renders it with microsecond precision.
func NormalizeTimestamp(v any) (string, error) {
	if v == nil {
		return "", &FieldError{Field: "timestamp"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &FieldError{Field: "timestamp", Reason: "not a string"}
	}
	t, err := time.Parse(timestampParseLayout, s)
	if err != nil {
		return "", &FieldError{Field: "timestamp", Reason: err.Error()}
	}
	return t.Add(LocalOffset).Format(TimestampLayout), nil
}

// ── Helpers ────────────────────────────────────────────────

// Transform maps one raw record to a Row of the stream's table.
// Returns keep=false when the stream's rule drops the record.
func Transform(s *StreamSchema, raw RawRecord) (Row, bool, error) {
	rule, ok := kindRules[s.Kind]
	if !ok {
		return nil, false, fmt.Errorf("stream %s: unknown kind %q", s.Name, s.Kind)
	}

	fields := lowerKeys(raw.Fields)
	fields["uid"] = raw.UID

	keep, err := rule.Apply(fields)
	if err != nil || !keep {
		return nil, false, err
	}

	ts, err := NormalizeTimestamp(fields["timestamp"])
	if err != nil {
		return nil, false, err
	}
	fields["timestamp"] = ts

	targets := s.TargetFields()
	row := make(Row, len(targets))
	for i, name := range targets {
		row[i] = FlattenValue(fields[name])
	}
	return row, true, nil
}

// TransformBatch transforms a whole batch. Any field error fails the batch;
// the returned FieldError carries the offending record as payload.
// last is the normalized timestamp of the last kept record.
func TransformBatch(s *StreamSchema, batch Batch) (rows []Row, skipped int, last string, err error) {
	tsIdx := -1
	for i, name := range s.TargetFields() {
		if name == "timestamp" {
			tsIdx = i
		}
	}

	rows = make([]Row, 0, len(batch))
	for _, raw := range batch {
		row, keep, err := Transform(s, raw)
		if err != nil {
			if fe, ok := err.(*FieldError); ok {
				fe.Payload = raw.Payload()
			}
			return nil, 0, "", fmt.Errorf("record %s: %w", raw.UID, err)
		}
		if !keep {
			skipped++
			continue
		}
		rows = append(rows, row)
		if tsIdx >= 0 {
			last, _ = row[tsIdx].(string)
		}
	}
	return rows, skipped, last, nil
}
