package dbclient

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"logbridge/internal/etl"
)

// Loader writes a stream's rows into its table. It implements
// etl.Destination for MySQL, Postgres, and SQLite.
//
// All statements run in one open transaction on a single connection; the
// transaction is begun on first use and ends on Commit. A lost connection
// drops both and the next call starts over.
type Loader struct {
	dialect dialect
	stream  *etl.StreamSchema
	log     *zap.Logger

	// openDB opens a new handle; nil when the handle is caller-owned.
	openDB   func() (*sql.DB, error)
	external bool

	mu sync.Mutex
	db *sql.DB
	tx *sql.Tx

	insertHead string
	targets    []string
	uidIdx     int
}

var _ etl.Destination = (*Loader)(nil)

func newLoader(d dialect, stream *etl.StreamSchema, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loader{dialect: d, stream: stream, log: log, uidIdx: -1}

	l.targets = stream.TargetFields()
	cols := make([]string, len(l.targets))
	for i, name := range l.targets {
		cols[i] = d.quote(name)
		if name == "uid" {
			l.uidIdx = i
		}
	}
	l.insertHead = fmt.Sprintf("INSERT INTO %s (%s) VALUES ", d.quote(stream.Table), strings.Join(cols, ", "))
	return l
}

// ── Connection ─────────────────────────────────────────────

// txLocked returns the open transaction, connecting and beginning one if
// needed. Must be called while holding l.mu.
func (l *Loader) txLocked(ctx context.Context) (*sql.Tx, error) {
	if l.tx != nil {
		return l.tx, nil
	}
	if l.db == nil {
		if l.openDB == nil {
			return nil, fmt.Errorf("%w: no database handle", etl.ErrConnectionLost)
		}
		db, err := l.openDB()
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		l.db = db
		l.log.Debug("connected to relational store", zap.String("driver", l.dialect.driverName))
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, l.failLocked(fmt.Errorf("begin tx: %w", err))
	}
	l.tx = tx
	return tx, nil
}

// failLocked classifies err and drops the connection when it was lost.
// Must be called while holding l.mu.
func (l *Loader) failLocked(err error) error {
	err = l.dialect.classify(err)
	if errors.Is(err, etl.ErrConnectionLost) {
		l.dropLocked()
	}
	return err
}

func (l *Loader) dropLocked() {
	if l.tx != nil {
		_ = l.tx.Rollback()
		l.tx = nil
	}
	if l.db != nil && !l.external {
		_ = l.db.Close()
		l.db = nil
	}
}

// classifyCommon recognizes connection failures every driver reports the
// same way.
func classifyCommon(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", etl.ErrConnectionLost, err)
	}
	return err
}

// ── etl.Destination ────────────────────────────────────────

func (l *Loader) EnsureTable(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.txLocked(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, l.createTableSQL()); err != nil {
		return l.failLocked(fmt.Errorf("create table %s: %w", l.stream.Table, err))
	}
	return l.commitLocked()
}

func (l *Loader) createTableSQL() string {
	defs := make([]string, len(l.stream.Columns))
	for i, c := range l.stream.Columns {
		defs[i] = l.dialect.columnDef(c, l.dialect.quote)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		l.dialect.quote(l.stream.Table), strings.Join(defs, ",\n\t"))
}

func (l *Loader) LastTimestamp(ctx context.Context) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.txLocked(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s DESC LIMIT 1",
		l.dialect.quote("timestamp"), l.dialect.quote(l.stream.Table), l.dialect.quote(etl.IDColumn))

	var v any
	err = tx.QueryRowContext(ctx, q).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, l.failLocked(fmt.Errorf("last timestamp: %w", err))
	}
	ts, err := parseStoredTime(v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last timestamp of %s: %w", l.stream.Table, err)
	}
	return ts, true, nil
}

var storedTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	time.RFC3339Nano,
}

// parseStoredTime reads a timestamp column however the driver returned it.
func parseStoredTime(v any) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
	for _, layout := range storedTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// Upsert inserts rows in one statement. When the store refuses a row's
// values (too wide, malformed, out of range, NULL where NOT NULL), the batch
// is rolled back to its savepoint and retried row by row so that only the
// offending rows are lost.
func (l *Loader) Upsert(ctx context.Context, rows []etl.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.txLocked(ctx)
	if err != nil {
		return 0, err
	}

	n, err := l.insertLocked(ctx, tx, "batch", rows)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, etl.ErrRowRejected) {
		return 0, err
	}

	l.log.Warn("batch refused, retrying row by row",
		zap.String("table", l.stream.Table), zap.Int("size", len(rows)), zap.Error(err))

	inserted := 0
	rejected := &etl.RejectedRowsError{Table: l.stream.Table}
	for i, row := range rows {
		n, err := l.insertLocked(ctx, tx, fmt.Sprintf("row_%d", i), rows[i:i+1])
		switch {
		case err == nil:
			inserted += n
		case errors.Is(err, etl.ErrRowRejected):
			rejected.Rows = append(rejected.Rows, etl.RejectedRow{
				UID:     l.uidOf(row),
				Payload: l.rowPayload(row),
				Err:     err,
			})
		default:
			return inserted, err
		}
	}
	if len(rejected.Rows) > 0 {
		return inserted, rejected
	}
	return inserted, nil
}

// insertLocked runs one multi-row insert under a savepoint, rolling back to
// it on failure so the transaction stays usable.
func (l *Loader) insertLocked(ctx context.Context, tx *sql.Tx, savepoint string, rows []etl.Row) (int, error) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return 0, l.failLocked(fmt.Errorf("savepoint: %w", err))
	}

	query, args := l.insertSQL(rows)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			return 0, l.failLocked(fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return 0, l.failLocked(fmt.Errorf("insert into %s: %w", l.stream.Table, err))
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return 0, l.failLocked(fmt.Errorf("release savepoint: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return len(rows), nil
	}
	return int(n), nil
}

func (l *Loader) insertSQL(rows []etl.Row) (string, []any) {
	var b strings.Builder
	b.WriteString(l.insertHead)
	args := make([]any, 0, len(rows)*len(l.targets))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range l.targets {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, bindValue(row[j]))
			b.WriteString(l.dialect.placeholder(len(args)))
		}
		b.WriteByte(')')
	}
	b.WriteString(l.dialect.insertSuffix)
	return b.String(), args
}

// bindValue turns decoded JSON numbers into native driver values.
func bindValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func (l *Loader) uidOf(row etl.Row) string {
	if l.uidIdx < 0 || l.uidIdx >= len(row) {
		return ""
	}
	s, _ := row[l.uidIdx].(string)
	return s
}

// rowPayload renders a row as a field → value object for the log.
func (l *Loader) rowPayload(row etl.Row) string {
	m := make(map[string]any, len(l.targets))
	for i, name := range l.targets {
		if i < len(row) {
			m[name] = row[i]
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func (l *Loader) Commit(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitLocked()
}

func (l *Loader) commitLocked() error {
	if l.tx == nil {
		return nil
	}
	tx := l.tx
	l.tx = nil
	if err := tx.Commit(); err != nil {
		return l.failLocked(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Close commits pending writes and releases the connection.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.commitLocked()
	if l.db != nil && !l.external {
		if cerr := l.db.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close: %w", cerr))
		}
		l.db = nil
	}
	return err
}
