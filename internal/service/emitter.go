package service

import (
	"context"
	"sync"

	"logbridge/internal/etl"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter — decouples the engine from metrics and tests
// ─────────────────────────────────────────────────────────────

// EventEmitter receives engine progress events (etl.Event* names).
// MetricsEmitter turns them into Prometheus series; tests use MockEmitter.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

var _ etl.Emitter = (EventEmitter)(nil)

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Count returns how many times event was emitted.
func (m *MockEmitter) Count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.Events {
		if e.Event == event {
			n++
		}
	}
	return n
}
