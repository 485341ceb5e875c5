package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ── Engine ─────────────────────────────────────────────────
// Drives one stream: open a window → pull → transform → load → checkpoint,
// idle when the window is exhausted, reopen.
//
//	NoCursor → CursorOpen → Draining → Idle → NoCursor
//
// All I/O is sequential: batch N+1 is never fetched before batch N is
// loaded, so the checkpoint always reflects fully loaded data.

// Defaults for Engine fields left zero.
const (
	DefaultCommitEvery = 10
	DefaultIdle        = 60 * time.Second
	DefaultLookback    = 24 * time.Hour
)

// Events emitted by the engine.
const (
	EventCursorOpened     = "cursor:opened"
	EventCursorClosed     = "cursor:closed"
	EventBatchLoaded      = "batch:loaded"
	EventBatchSkipped     = "batch:skipped"
	EventRowsRejected     = "rows:rejected"
	EventUpstreamRejected = "upstream:rejected"
	EventCommitted        = "batch:committed"
	EventWindowDrained    = "window:drained"
)

// Emitter receives engine progress events.
type Emitter interface {
	Emit(ctx context.Context, event string, data any)
}

// BatchStats is the payload of EventBatchLoaded.
type BatchStats struct {
	Table         string `json:"table"`
	Count         int    `json:"count"`
	Inserted      int    `json:"inserted"`
	Skipped       int    `json:"skipped"`
	Rejected      int    `json:"rejected"`
	LastTimestamp string `json:"lastTimestamp"`
}

// Engine runs the ingestion loop for a single stream.
type Engine struct {
	Stream  *StreamSchema
	Source  Source
	Dest    Destination
	Log     *zap.Logger
	Emitter Emitter

	// StartAt overrides the checkpoint for the first window only.
	StartAt time.Time

	PageSize       int
	CursorLifetime time.Duration
	CommitEvery    int
	// RetryDelay is the pause before reopening after a rejected request.
	// Zero retries immediately.
	RetryDelay time.Duration
	// Lookback is how far back the first window starts on an empty table.
	Lookback time.Duration
	// Idle returns how long to wait after an exhausted window.
	Idle func(now time.Time) time.Duration
	// Now is the clock; tests replace it.
	Now func() time.Time
}

type engineState int

const (
	stateNoCursor engineState = iota
	stateCursorOpen
	stateDraining
	stateIdle
)

func (s engineState) String() string {
	switch s {
	case stateNoCursor:
		return "no-cursor"
	case stateCursorOpen:
		return "cursor-open"
	case stateDraining:
		return "draining"
	case stateIdle:
		return "idle"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// runState is everything carried between iterations.
type runState struct {
	state     engineState
	cursor    *Cursor
	batch     Batch
	commits   int
	startUsed bool
	// refetch asks for another advance without processing st.batch.
	refetch bool
}

func (e *Engine) setDefaults() {
	if e.PageSize <= 0 {
		e.PageSize = DefaultPageSize
	}
	if e.CursorLifetime <= 0 {
		e.CursorLifetime = DefaultCursorLifetime
	}
	if e.CommitEvery <= 0 {
		e.CommitEvery = DefaultCommitEvery
	}
	if e.Lookback <= 0 {
		e.Lookback = DefaultLookback
	}
	if e.Idle == nil {
		e.Idle = func(time.Time) time.Duration { return DefaultIdle }
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.Log == nil {
		e.Log = zap.NewNop()
	}
	if e.Emitter == nil {
		e.Emitter = nopEmitter{}
	}
}

// Run ensures the table exists and loops until ctx is cancelled or a fatal
// error occurs. Cancellation is honoured between iterations only; requests
// in flight are never cut short. Run does not close the destination.
func (e *Engine) Run(ctx context.Context) error {
	if e.Stream == nil || e.Source == nil || e.Dest == nil {
		return fmt.Errorf("engine: stream, source and destination are required")
	}
	e.setDefaults()
	io := context.WithoutCancel(ctx)

	if err := e.Dest.EnsureTable(io); err != nil {
		return fmt.Errorf("ensure table %s: %w", e.Stream.Table, err)
	}
	e.Log.Info("using table", zap.String("table", e.Stream.Table), zap.String("stream", e.Stream.Name))

	st := &runState{}
	for ctx.Err() == nil {
		if err := e.step(ctx, io, st); err != nil {
			if st.cursor != nil {
				e.Source.Close(io, st.cursor)
			}
			return err
		}
	}
	if st.cursor != nil {
		e.Source.Close(io, st.cursor)
	}
	return nil
}

func (e *Engine) step(ctx, io context.Context, st *runState) error {
	switch st.state {
	case stateNoCursor:
		return e.open(ctx, io, st)

	case stateCursorOpen:
		if st.refetch {
			st.refetch = false
			return e.advance(ctx, io, st)
		}
		if len(st.batch) == 0 {
			st.state = stateDraining
			return nil
		}
		if err := e.process(io, st); err != nil {
			if errors.Is(err, ErrConnectionLost) {
				e.Log.Error("relational store connection lost, reopening window from checkpoint",
					zap.String("table", e.Stream.Table), zap.Error(err))
				e.resetCursor(io, st)
				// The open transaction went down with the connection.
				st.commits = 0
				return e.wait(ctx, e.RetryDelay)
			}
			return err
		}
		return e.advance(ctx, io, st)

	case stateDraining:
		e.closeCursor(io, st)
		if err := e.commit(io, st); err != nil {
			if !errors.Is(err, ErrConnectionLost) {
				return err
			}
			e.Log.Error("commit after window failed", zap.String("table", e.Stream.Table), zap.Error(err))
		}
		e.Emitter.Emit(io, EventWindowDrained, e.Stream.Table)
		st.state = stateIdle
		return nil

	case stateIdle:
		d := e.Idle(e.Now())
		e.Log.Info("window exhausted, sleeping", zap.Duration("sleep", d))
		st.state = stateNoCursor
		return e.wait(ctx, d)
	}
	return fmt.Errorf("engine: unexpected state %v", st.state)
}

// windowStart is the explicit start for the first window, then the
// checkpoint, then now minus the lookback on an empty table.
func (e *Engine) windowStart(io context.Context, st *runState) (time.Time, error) {
	if !st.startUsed && !e.StartAt.IsZero() {
		return e.StartAt, nil
	}

	ts, ok, err := e.Dest.LastTimestamp(io)
	if err != nil {
		return time.Time{}, fmt.Errorf("read checkpoint: %w", err)
	}
	if !ok {
		// Wall clock of the table is local time, same as normalized timestamps.
		from := e.Now().UTC().Add(LocalOffset).Add(-e.Lookback)
		e.Log.Info("table is empty, starting from lookback", zap.Time("from", from))
		return from, nil
	}
	e.Log.Info("last loaded timestamp", zap.String("last_date", ts.Format(TimestampLayout)))
	return ts, nil
}

func (e *Engine) open(ctx, io context.Context, st *runState) error {
	from, err := e.windowStart(io, st)
	if err != nil {
		if errors.Is(err, ErrConnectionLost) {
			e.Log.Error("checkpoint unavailable", zap.Error(err))
			return e.wait(ctx, e.RetryDelay)
		}
		return err
	}

	cur, batch, err := e.Source.Open(io, e.Stream, from, e.PageSize, e.CursorLifetime)
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			return err
		}
		e.upstreamFailed(io, "open cursor", err)
		return e.wait(ctx, e.RetryDelay)
	}

	st.startUsed = true
	st.cursor = cur
	st.batch = batch
	st.state = stateCursorOpen
	e.Emitter.Emit(io, EventCursorOpened, from)
	return nil
}

func (e *Engine) advance(ctx, io context.Context, st *runState) error {
	if st.cursor.Expired(e.Now()) {
		e.Log.Info("cursor lease expired, reopening window", zap.String("table", e.Stream.Table))
		e.resetCursor(io, st)
		return nil
	}

	batch, err := e.Source.Advance(io, st.cursor)
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			return err
		}
		if errors.Is(err, ErrMissingField) {
			// The page is lost but the cursor is still valid: keep going.
			e.upstreamFailed(io, "advance cursor", err)
			st.batch = nil
			st.refetch = true
			return e.wait(ctx, e.RetryDelay)
		}
		e.upstreamFailed(io, "advance cursor", err)
		e.resetCursor(io, st)
		return e.wait(ctx, e.RetryDelay)
	}
	st.batch = batch
	return nil
}

// process transforms and loads the current batch.
// Only ErrConnectionLost and unexpected failures are returned.
func (e *Engine) process(io context.Context, st *runState) error {
	rows, skipped, last, err := TransformBatch(e.Stream, st.batch)
	if err != nil {
		if !errors.Is(err, ErrMissingField) {
			return err
		}
		var fe *FieldError
		errors.As(err, &fe)
		fields := []zap.Field{zap.String("table", e.Stream.Table), zap.Int("size", len(st.batch)), zap.Error(err)}
		if fe != nil {
			fields = append(fields, zap.String("payload", fe.Payload))
		}
		e.Log.Error("failed to read values from batch, skipping it", fields...)
		e.Emitter.Emit(io, EventBatchSkipped, len(st.batch))
		return nil
	}

	stats := BatchStats{Table: e.Stream.Table, Count: len(rows), Skipped: skipped, LastTimestamp: last}
	if len(rows) > 0 {
		n, err := e.Dest.Upsert(io, rows)
		stats.Inserted = n
		var rejected *RejectedRowsError
		switch {
		case errors.As(err, &rejected):
			stats.Rejected = len(rejected.Rows)
			for _, r := range rejected.Rows {
				e.Log.Error("row rejected by relational store",
					zap.String("table", e.Stream.Table),
					zap.String("uid", r.UID),
					zap.String("payload", r.Payload),
					zap.Error(r.Err))
			}
			e.Emitter.Emit(io, EventRowsRejected, len(rejected.Rows))
		case errors.Is(err, ErrConnectionLost):
			return err
		case err != nil:
			e.Log.Error("batch insert failed",
				zap.String("table", e.Stream.Table),
				zap.String("payload", rowsPayload(rows)),
				zap.Error(err))
		}
	}

	e.Log.Info("rows written to database",
		zap.Int("size", len(rows)),
		zap.String("last_date", last),
		zap.String("table", e.Stream.Table))
	e.Emitter.Emit(io, EventBatchLoaded, stats)

	st.commits++
	if st.commits >= e.CommitEvery {
		return e.commit(io, st)
	}
	return nil
}

func (e *Engine) commit(io context.Context, st *runState) error {
	st.commits = 0
	if err := e.Dest.Commit(io); err != nil {
		return fmt.Errorf("commit %s: %w", e.Stream.Table, err)
	}
	e.Emitter.Emit(io, EventCommitted, e.Stream.Table)
	return nil
}

func (e *Engine) upstreamFailed(io context.Context, op string, err error) {
	fields := []zap.Field{zap.String("op", op), zap.Error(err)}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		fields = append(fields, zap.Int("status_code", ue.StatusCode))
	}
	var fe *FieldError
	if errors.As(err, &fe) && fe.Payload != "" {
		fields = append(fields, zap.String("payload", fe.Payload))
	}
	e.Log.Warn("log store request failed", fields...)
	e.Emitter.Emit(io, EventUpstreamRejected, err)
}

func (e *Engine) closeCursor(io context.Context, st *runState) {
	if st.cursor != nil {
		e.Source.Close(io, st.cursor)
		e.Emitter.Emit(io, EventCursorClosed, st.cursor.ID)
	}
	st.cursor = nil
	st.batch = nil
}

// resetCursor drops the current window; the next iteration reopens it
// from the checkpoint. The commit counter carries over: batches loaded in
// the dropped window are still uncommitted.
func (e *Engine) resetCursor(io context.Context, st *runState) {
	e.closeCursor(io, st)
	st.state = stateNoCursor
}

// wait sleeps for d or until ctx is cancelled. Cancellation is not an error:
// the loop notices it at the top of the next iteration.
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return nil
}

func rowsPayload(rows []Row) string {
	b, err := json.Marshal(rows)
	if err != nil {
		return ""
	}
	return string(b)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string, any) {}
