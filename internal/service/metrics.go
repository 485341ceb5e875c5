package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"logbridge/internal/etl"
)

// ─────────────────────────────────────────────────────────────
// Metrics — engine events as Prometheus series
// ─────────────────────────────────────────────────────────────

// MetricsEmitter counts engine events. Every series carries the stream name
// as a constant label.
type MetricsEmitter struct {
	// Next, when set, receives every event after it is counted.
	Next EventEmitter

	batchesLoaded      prometheus.Counter
	batchesSkipped     prometheus.Counter
	rowsLoaded         prometheus.Counter
	rowsSkipped        prometheus.Counter
	rowsRejected       prometheus.Counter
	upstreamRejections prometheus.Counter
	cursorsOpened      prometheus.Counter
	commits            prometheus.Counter
	lastTimestamp      prometheus.Gauge

	started     time.Time
	lastBatchAt atomic.Int64
}

// NewMetricsEmitter creates the collectors for stream and registers them on reg.
func NewMetricsEmitter(reg prometheus.Registerer, stream string) *MetricsEmitter {
	labels := prometheus.Labels{"stream": stream}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "logbridge",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &MetricsEmitter{
		batchesLoaded:      counter("batches_loaded_total", "Batches transformed and handed to the relational store"),
		batchesSkipped:     counter("batches_skipped_total", "Batches dropped because a record lacked a required field"),
		rowsLoaded:         counter("rows_loaded_total", "Rows inserted into the relational store"),
		rowsSkipped:        counter("rows_skipped_total", "Records dropped by the stream's transform rule"),
		rowsRejected:       counter("rows_rejected_total", "Rows refused by a column constraint"),
		upstreamRejections: counter("upstream_rejections_total", "Failed requests to the log store"),
		cursorsOpened:      counter("cursors_opened_total", "Log store cursors opened"),
		commits:            counter("commits_total", "Relational store commits"),
		lastTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "logbridge",
			Name:        "last_loaded_timestamp_seconds",
			Help:        "Local wall-clock timestamp of the last loaded record, as Unix seconds",
			ConstLabels: labels,
		}),
		started: time.Now(),
	}
	reg.MustRegister(
		m.batchesLoaded,
		m.batchesSkipped,
		m.rowsLoaded,
		m.rowsSkipped,
		m.rowsRejected,
		m.upstreamRejections,
		m.cursorsOpened,
		m.commits,
		m.lastTimestamp,
	)
	return m
}

func (m *MetricsEmitter) Emit(ctx context.Context, event string, data any) {
	switch event {
	case etl.EventCursorOpened:
		m.cursorsOpened.Inc()
	case etl.EventBatchLoaded:
		if stats, ok := data.(etl.BatchStats); ok {
			m.batchesLoaded.Inc()
			m.rowsLoaded.Add(float64(stats.Inserted))
			m.rowsSkipped.Add(float64(stats.Skipped))
			m.rowsRejected.Add(float64(stats.Rejected))
			if ts, err := time.Parse(etl.TimestampLayout, stats.LastTimestamp); err == nil {
				m.lastTimestamp.Set(float64(ts.Unix()))
			}
			m.lastBatchAt.Store(time.Now().Unix())
		}
	case etl.EventBatchSkipped:
		m.batchesSkipped.Inc()
	case etl.EventUpstreamRejected:
		m.upstreamRejections.Inc()
	case etl.EventCommitted:
		m.commits.Inc()
	}
	if m.Next != nil {
		m.Next.Emit(ctx, event, data)
	}
}

// ── HTTP ───────────────────────────────────────────────────

// MetricsHandler serves /metrics from gatherer and /health from m.
func (m *MetricsEmitter) MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", m.healthHandler)
	return mux
}

func (m *MetricsEmitter) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "healthy",
		"uptime": time.Since(m.started).Seconds(),
	}
	if at := m.lastBatchAt.Load(); at > 0 {
		status["last_batch_at"] = time.Unix(at, 0).UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// ServeMetrics runs an HTTP server for handler on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown metrics server", zap.Error(err))
	}
	return nil
}
