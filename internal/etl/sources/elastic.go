package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"logbridge/internal/etl"
)

// ── Elasticsearch Source ───────────────────────────────────
// Reads a stream's records through the scroll API:
//
//	GET    /_cat/aliases?v                  resolve day aliases to indices
//	POST   /{indices}/_search?scroll=5m     open the cursor, first page
//	POST   /_search/scroll                  next page, lease renewed
//	DELETE /_search/scroll                  release the cursor
//
// The client never retries; the engine decides what to do with a failure.

const (
	aliasDateLayout = "2006.01.02"
	// rangeLayout is the precision the log store's timestamp field accepts.
	rangeLayout = "2006-01-02 15:04:05.000"
	// maxPayload bounds how much of a response body ends up in errors and logs.
	maxPayload = 4096
)

// Elastic implements etl.Source against an Elasticsearch-compatible log store.
type Elastic struct {
	BaseURL  string
	Username string
	Password string
	// CursorKeep is the lease renewal requested on every advance.
	CursorKeep time.Duration

	Client *http.Client
	Log    *zap.Logger
}

var _ etl.Source = (*Elastic)(nil)

// NewElastic creates a source for the log store at baseURL.
func NewElastic(baseURL string, timeout time.Duration, log *zap.Logger) *Elastic {
	if log == nil {
		log = zap.NewNop()
	}
	return &Elastic{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		CursorKeep: etl.DefaultCursorKeep,
		Client:     &http.Client{Timeout: timeout},
		Log:        log,
	}
}

type searchHit struct {
	ID     string         `json:"_id"`
	Source map[string]any `json:"_source"`
}

type searchResponse struct {
	ScrollID *string `json:"_scroll_id"`
	Hits     *struct {
		Hits *[]searchHit `json:"hits"`
	} `json:"hits"`
}

func (s *Elastic) Open(ctx context.Context, stream *etl.StreamSchema, from time.Time, pageSize int, lifetime time.Duration) (*etl.Cursor, etl.Batch, error) {
	// The log store indexes in UTC; from is local time.
	utcFrom := from.Add(-etl.LocalOffset)

	indices, err := s.resolveIndices(ctx, stream.SourceSelector, utcFrom)
	if err != nil {
		return nil, nil, err
	}

	body, err := stream.QueryTemplate()
	if err != nil {
		return nil, nil, err
	}
	timeRange := map[string]any{
		"range": map[string]any{
			"timestamp": map[string]any{"gte": utcFrom.Format(rangeLayout)},
		},
	}
	if err := etl.AppendFilter(body, timeRange); err != nil {
		return nil, nil, fmt.Errorf("stream %s: %w", stream.Name, err)
	}
	body["size"] = pageSize
	if _, ok := body["sort"]; !ok {
		body["sort"] = map[string]any{"timestamp": map[string]any{"order": "asc"}}
	}

	issued := time.Now()
	path := fmt.Sprintf("/%s/_search?scroll=%s", indices, scrollParam(lifetime))
	resp, raw, err := s.search(ctx, "open cursor", http.MethodPost, path, body)
	if err != nil {
		return nil, nil, err
	}
	if resp.ScrollID == nil || *resp.ScrollID == "" {
		return nil, nil, &etl.FieldError{Field: "_scroll_id", Payload: truncate(raw)}
	}

	cur := &etl.Cursor{
		ID:          *resp.ScrollID,
		WindowStart: from,
		Lifetime:    lifetime,
	}
	cur.Renew(issued, lifetime)

	s.Log.Debug("cursor opened",
		zap.String("indices", indices),
		zap.String("from", utcFrom.Format(rangeLayout)),
		zap.Int("hits", len(*resp.Hits.Hits)))
	return cur, toBatch(*resp.Hits.Hits), nil
}

func (s *Elastic) Advance(ctx context.Context, c *etl.Cursor) (etl.Batch, error) {
	keep := s.CursorKeep
	if keep <= 0 {
		keep = etl.DefaultCursorKeep
	}
	body := map[string]any{
		"scroll":    scrollParam(keep),
		"scroll_id": c.ID,
	}

	issued := time.Now()
	resp, _, err := s.search(ctx, "advance cursor", http.MethodPost, "/_search/scroll", body)
	if err != nil {
		return nil, err
	}
	c.Renew(issued, keep)
	return toBatch(*resp.Hits.Hits), nil
}

func (s *Elastic) Close(ctx context.Context, c *etl.Cursor) {
	if c == nil || c.ID == "" {
		return
	}
	status, data, err := s.do(ctx, "close cursor", http.MethodDelete, "/_search/scroll", map[string]any{"scroll_id": c.ID})
	switch {
	case err != nil:
		s.Log.Warn("failed to release cursor", zap.Error(err))
	case status == http.StatusNotFound:
		s.Log.Debug("cursor already expired")
	case status >= 300:
		s.Log.Warn("failed to release cursor", zap.Int("status_code", status), zap.String("response", truncate(data)))
	}
}

// resolveIndices maps the day aliases covering [from, from+1 day] to the
// comma-joined list of underlying index names.
func (s *Elastic) resolveIndices(ctx context.Context, selector string, from time.Time) (string, error) {
	status, data, err := s.do(ctx, "list aliases", http.MethodGet, "/_cat/aliases?v", nil)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &etl.UpstreamError{Op: "list aliases", StatusCode: status, Body: truncate(data)}
	}

	wanted := make(map[string]bool, 2)
	for _, day := range []time.Time{from, from.Add(24 * time.Hour)} {
		wanted[AliasName(selector, day)] = true
	}

	indices := ParseAliases(data, wanted)
	if len(indices) == 0 {
		return "", &etl.UpstreamError{
			Op:         "list aliases",
			StatusCode: http.StatusNotFound,
			Body:       fmt.Sprintf("no index behind aliases for %s on %s", selector, from.Format(aliasDateLayout)),
		}
	}
	return strings.Join(indices, ","), nil
}

// AliasName is the day alias of a selector. The microservices selector is
// published under its own prefix.
func AliasName(selector string, day time.Time) string {
	if selector == "microservices" {
		return "microservice__" + day.Format(aliasDateLayout)
	}
	return selector + "_" + day.Format(aliasDateLayout)
}

// ParseAliases reads a verbose _cat/aliases table (header line first, then
// "alias index ..." rows) and returns the indices of the wanted aliases,
// in table order.
func ParseAliases(table []byte, wanted map[string]bool) []string {
	var indices []string
	sc := bufio.NewScanner(bytes.NewReader(table))
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		cols := strings.Fields(sc.Text())
		if len(cols) < 2 {
			continue
		}
		if wanted[cols[0]] {
			indices = append(indices, cols[1])
		}
	}
	return indices
}

// search performs a search-shaped request and decodes the response.
func (s *Elastic) search(ctx context.Context, op, method, path string, body any) (*searchResponse, []byte, error) {
	status, data, err := s.do(ctx, op, method, path, body)
	if err != nil {
		return nil, nil, err
	}
	if status < 200 || status >= 300 {
		return nil, data, &etl.UpstreamError{Op: op, StatusCode: status, Body: truncate(data)}
	}

	var resp searchResponse
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, data, fmt.Errorf("%s: %w (http %d): %v; body: %s", op, etl.ErrMalformedResponse, status, err, truncate(data))
	}
	if resp.Hits == nil || resp.Hits.Hits == nil {
		return nil, data, fmt.Errorf("%s: %w", op, &etl.FieldError{Field: "hits.hits", Payload: truncate(data)})
	}
	return &resp, data, nil
}

// do sends one request. Transport failures come back as an UpstreamError
// with no status code.
func (s *Elastic) do(ctx context.Context, op, method, path string, body any) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Opaque-Id", uuid.NewString())
	if s.Username != "" {
		req.SetBasicAuth(s.Username, s.Password)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, nil, &etl.UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &etl.UpstreamError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	return resp.StatusCode, data, nil
}

func toBatch(hits []searchHit) etl.Batch {
	batch := make(etl.Batch, 0, len(hits))
	for _, h := range hits {
		batch = append(batch, etl.RawRecord{UID: h.ID, Fields: h.Source})
	}
	return batch
}

// scrollParam renders a lease duration in the log store's time unit syntax.
func scrollParam(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return fmt.Sprintf("%ds", int(d.Round(time.Second)/time.Second))
}

func truncate(b []byte) string {
	if len(b) > maxPayload {
		return string(b[:maxPayload]) + "..."
	}
	return string(b)
}
