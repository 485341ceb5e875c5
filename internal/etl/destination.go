package etl

import (
	"context"
	"time"
)

// ── Destination ────────────────────────────────────────────
// A Destination writes rows into the stream's relational table and
// answers where loading left off.
// The implementation lives in dbclient/.
//
// Precondition: a single writer per table. The checkpoint is the timestamp
// of the row with the highest insertion id, which is only meaningful when
// nobody else inserts.

// Destination is the interface the engine loads into.
type Destination interface {
	// EnsureTable creates the stream's table if it does not exist.
	EnsureTable(ctx context.Context) error

	// LastTimestamp returns the timestamp of the most recently inserted row.
	// ok is false when the table is empty.
	LastTimestamp(ctx context.Context) (ts time.Time, ok bool, err error)

	// Upsert inserts rows, ignoring those whose uid is already stored, and
	// returns how many were inserted. Rows refused by a column constraint are
	// reported in a *RejectedRowsError; the others are kept.
	Upsert(ctx context.Context, rows []Row) (int, error)

	// Commit makes all writes since the previous commit durable.
	Commit(ctx context.Context) error

	// Close commits and releases the connection.
	Close(ctx context.Context) error
}
