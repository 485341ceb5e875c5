package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"logbridge/internal/etl"
)

// ─────────────────────────────────────────────────────────────
// Ingest Service — runs stream engines
// ─────────────────────────────────────────────────────────────

// DefaultIdleSchedule is the cadence of window reopening after the log
// store had nothing new.
const DefaultIdleSchedule = "@every 60s"

// IngestService builds and runs one engine per stream. Two engines never
// write the same table at once.
type IngestService struct {
	source  etl.Source
	emitter EventEmitter
	log     *zap.Logger
	running runningStreamsGuard
}

// NewIngestService creates an IngestService reading from source.
func NewIngestService(source etl.Source, emitter EventEmitter, log *zap.Logger) *IngestService {
	if log == nil {
		log = zap.NewNop()
	}
	return &IngestService{source: source, emitter: emitter, log: log}
}

// RunOptions tune one engine run. Zero values take the engine defaults.
type RunOptions struct {
	// StartAt overrides the checkpoint for the first window.
	StartAt time.Time
	// IdleSchedule is a cron spec; empty means DefaultIdleSchedule.
	IdleSchedule string
	RetryDelay   time.Duration
	PageSize     int
	CommitEvery  int
	Lookback     time.Duration
}

// IdleSchedule parses a cron spec (standard five fields or a descriptor
// such as "@every 30s") into the engine's idle function.
func IdleSchedule(spec string) (func(time.Time) time.Duration, error) {
	if spec == "" {
		spec = DefaultIdleSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid idle schedule %q: %w", spec, err)
	}
	return func(now time.Time) time.Duration {
		return sched.Next(now).Sub(now)
	}, nil
}

// Run loads stream into dest until ctx is cancelled or a fatal error occurs.
// dest is not closed; the caller owns it.
func (s *IngestService) Run(ctx context.Context, stream *etl.StreamSchema, dest etl.Destination, opts RunOptions) error {
	idle, err := IdleSchedule(opts.IdleSchedule)
	if err != nil {
		return err
	}

	holder, ok := s.running.TryLock(stream.Name, stream.Table, time.Now())
	if !ok {
		s.log.Warn("table is already being loaded",
			zap.String("stream", stream.Name),
			zap.String("table", stream.Table),
			zap.String("holder", holder.Stream),
			zap.Time("since", holder.Started))
		return fmt.Errorf("stream %s: table %s is already being loaded by stream %s", stream.Name, stream.Table, holder.Stream)
	}
	defer s.running.Unlock(stream.Table)

	engine := &etl.Engine{
		Stream:      stream,
		Source:      s.source,
		Dest:        dest,
		Log:         s.log.With(zap.String("stream", stream.Name)),
		StartAt:     opts.StartAt,
		PageSize:    opts.PageSize,
		CommitEvery: opts.CommitEvery,
		RetryDelay:  opts.RetryDelay,
		Lookback:    opts.Lookback,
		Idle:        idle,
	}
	if s.emitter != nil {
		engine.Emitter = s.emitter
	}

	s.log.Info("starting stream", zap.String("stream", stream.Name), zap.String("table", stream.Table))
	if err := engine.Run(ctx); err != nil {
		return fmt.Errorf("stream %s: %w", stream.Name, err)
	}
	s.log.Info("stream stopped", zap.String("stream", stream.Name))
	return nil
}

// Running returns the runs currently holding a table.
func (s *IngestService) Running() []StreamRun {
	return s.running.Running()
}

// WaitRunning blocks until all running streams stop or ctx is cancelled.
// Used for graceful shutdown.
func (s *IngestService) WaitRunning(ctx context.Context) {
	s.running.WaitAll(ctx)
}
