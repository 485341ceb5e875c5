package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"logbridge/internal/etl"
	"logbridge/internal/service"
)

// ─────────────────────────────────────────────────────────────
// MetricsEmitter tests
// ─────────────────────────────────────────────────────────────

func TestMetricsEmitter_CountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	next := &service.MockEmitter{}
	m := service.NewMetricsEmitter(reg, "graylog")
	m.Next = next
	ctx := context.Background()

	m.Emit(ctx, etl.EventCursorOpened, time.Now())
	m.Emit(ctx, etl.EventBatchLoaded, etl.BatchStats{
		Table: "gw", Count: 10, Inserted: 8, Skipped: 3, Rejected: 2,
		LastTimestamp: "2024-03-01 12:00:00.000000",
	})
	m.Emit(ctx, etl.EventBatchSkipped, 5)
	m.Emit(ctx, etl.EventUpstreamRejected, nil)
	m.Emit(ctx, etl.EventUpstreamRejected, nil)
	m.Emit(ctx, etl.EventCommitted, "gw")

	expected := `
# HELP logbridge_rows_loaded_total Rows inserted into the relational store
# TYPE logbridge_rows_loaded_total counter
logbridge_rows_loaded_total{stream="graylog"} 8
# HELP logbridge_upstream_rejections_total Failed requests to the log store
# TYPE logbridge_upstream_rejections_total counter
logbridge_upstream_rejections_total{stream="graylog"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"logbridge_rows_loaded_total", "logbridge_upstream_rejections_total"); err != nil {
		t.Error(err)
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n != 9 {
		t.Errorf("gathered %d series (%v), want 9", n, err)
	}
	if len(next.Events) != 6 {
		t.Errorf("forwarded %d events, want 6", len(next.Events))
	}
}

func TestMetricsEmitter_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := service.NewMetricsEmitter(reg, "graylog")
	m.Emit(context.Background(), etl.EventBatchLoaded, etl.BatchStats{Inserted: 1, LastTimestamp: "2024-03-01 12:00:00.000000"})

	srv := httptest.NewServer(m.MetricsHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "healthy" || health["last_batch_at"] == nil {
		t.Errorf("health = %v", health)
	}

	mresp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", mresp.StatusCode)
	}
}

func TestServeMetrics_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.ServeMetrics(ctx, "127.0.0.1:0", http.NotFoundHandler(), zapNop()) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeMetrics: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeMetrics did not stop")
	}
}
