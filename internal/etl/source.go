package etl

import (
	"context"
	"time"
)

// ── Source ─────────────────────────────────────────────────
// A Source extracts records from the log store through a server-side
// cursor scoped to one time window.
// The implementation lives in etl/sources/.

// Default cursor parameters.
const (
	DefaultPageSize       = 1000
	DefaultCursorLifetime = 5 * time.Minute
	DefaultCursorKeep     = 1 * time.Minute
)

// Cursor is a server-side scroll handle with a time-bounded lease.
// It is owned by the engine for one window and never reused across windows.
type Cursor struct {
	ID          string
	WindowStart time.Time
	Lifetime    time.Duration
	ExpiresAt   time.Time
}

// Expired reports whether the server may already have dropped the cursor.
func (c *Cursor) Expired(now time.Time) bool {
	return c == nil || !now.Before(c.ExpiresAt)
}

// Renew extends the lease from the moment a request was issued.
func (c *Cursor) Renew(issued time.Time, keep time.Duration) {
	c.ExpiresAt = issued.Add(keep)
}

// Source is the interface the engine pulls from.
type Source interface {
	// Open resolves the stream's indices for the window starting at from,
	// opens a cursor valid for lifetime and returns it with the first page.
	Open(ctx context.Context, s *StreamSchema, from time.Time, pageSize int, lifetime time.Duration) (*Cursor, Batch, error)

	// Advance fetches the next page. An empty batch means the window is exhausted.
	Advance(ctx context.Context, c *Cursor) (Batch, error)

	// Close releases the server-side cursor. Best effort: failures are
	// logged by the implementation, never returned.
	Close(ctx context.Context, c *Cursor)
}
