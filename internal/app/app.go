package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"logbridge/internal/dbclient"
	"logbridge/internal/etl"
	"logbridge/internal/etl/sources"
	"logbridge/internal/etl/streams"
	"logbridge/internal/service"
)

// App wires one stream's source, loader and engine for the process lifetime.
type App struct {
	cfg *Config
	log *zap.Logger

	stream  *etl.StreamSchema
	loader  *dbclient.Loader
	ingest  *service.IngestService
	metrics *service.MetricsEmitter
	reg     *prometheus.Registry
}

// New creates a new App.
func New(cfg *Config, log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}
	return &App{cfg: cfg, log: log}
}

// Startup resolves the stream and builds its collaborators. Nothing talks
// to a backend yet.
func (a *App) Startup(ctx context.Context) error {
	if a.cfg.StreamsFile != "" {
		names, err := streams.LoadDefinitions(a.cfg.StreamsFile)
		if err != nil {
			return err
		}
		a.log.Info("loaded stream definitions", zap.String("file", a.cfg.StreamsFile), zap.Strings("streams", names))
	}

	stream, err := etl.GetStream(a.cfg.Stream)
	if err != nil {
		return fmt.Errorf("%w (known: %v)", err, etl.ListStreams())
	}
	a.stream = stream

	loader, err := dbclient.NewLoader(a.cfg.Database, stream, a.log)
	if err != nil {
		return err
	}
	a.loader = loader

	source := sources.NewElastic(a.cfg.ElasticURL, a.cfg.HTTPTimeout, a.log)
	source.Username = a.cfg.ElasticUser
	source.Password = a.cfg.ElasticPassword

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = service.NewMetricsEmitter(a.reg, stream.Name)
	a.ingest = service.NewIngestService(source, a.metrics, a.log)

	a.log.Info("configured",
		zap.String("stream", stream.Name),
		zap.String("table", stream.Table),
		zap.String("elastic_url", a.cfg.ElasticURL),
		zap.Stringer("database", a.cfg.Database))
	return nil
}

// Run loads the stream until ctx is cancelled or a fatal error occurs.
// The metrics server, when configured, stops with it.
func (a *App) Run(ctx context.Context) error {
	if a.ingest == nil {
		return errors.New("app not started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	metricsDone := make(chan error, 1)
	if a.cfg.MetricsAddr != "" {
		go func() {
			metricsDone <- service.ServeMetrics(runCtx, a.cfg.MetricsAddr, a.metrics.MetricsHandler(a.reg), a.log)
		}()
	} else {
		close(metricsDone)
	}

	err := a.ingest.Run(runCtx, a.stream, a.loader, service.RunOptions{
		StartAt:      a.cfg.StartAt,
		IdleSchedule: a.cfg.IdleSchedule,
		RetryDelay:   a.cfg.RetryDelay,
	})
	cancel()
	if merr := <-metricsDone; merr != nil {
		a.log.Error("metrics server failed", zap.Error(merr))
	}
	return err
}

// Shutdown commits pending rows and closes the relational connection.
func (a *App) Shutdown(ctx context.Context) error {
	if a.loader == nil {
		return nil
	}
	if err := a.loader.Close(ctx); err != nil {
		return fmt.Errorf("close loader: %w", err)
	}
	a.log.Info("loader closed")
	return nil
}
