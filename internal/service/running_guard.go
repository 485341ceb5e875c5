package service

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ExportedRunningGuard is an exported alias so _test packages can test the guard.
type ExportedRunningGuard = runningStreamsGuard

// ─────────────────────────────────────────────────────────────
// runningStreamsGuard — one writer per table in a process
// ─────────────────────────────────────────────────────────────

// StreamRun describes an engine holding a table.
type StreamRun struct {
	Stream  string
	Table   string
	Started time.Time
}

// runningStreamsGuard hands out tables to engines. The checkpoint assumes a
// single writer per table, and two stream definitions may name the same
// table, so the claim is keyed by table rather than by stream.
type runningStreamsGuard struct {
	mu     sync.Mutex
	tables map[string]StreamRun
	wg     sync.WaitGroup
}

// TryLock claims table for stream. When the table is already held, the
// holding run is returned with ok=false.
func (g *runningStreamsGuard) TryLock(stream, table string, now time.Time) (holder StreamRun, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tables == nil {
		g.tables = make(map[string]StreamRun)
	}
	if held, busy := g.tables[table]; busy {
		return held, false
	}
	run := StreamRun{Stream: stream, Table: table, Started: now}
	g.tables[table] = run
	g.wg.Add(1)
	return run, true
}

// Unlock releases table. Must be called after TryLock returns true.
func (g *runningStreamsGuard) Unlock(table string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tables, table)
	g.wg.Done()
}

// Running returns the current runs ordered by stream name.
func (g *runningStreamsGuard) Running() []StreamRun {
	g.mu.Lock()
	defer g.mu.Unlock()
	runs := make([]StreamRun, 0, len(g.tables))
	for _, r := range g.tables {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Stream < runs[j].Stream })
	return runs
}

// WaitAll blocks until all running streams stop or ctx is cancelled.
func (g *runningStreamsGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
