package dbclient

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"logbridge/internal/domain"
	"logbridge/internal/etl"
)

// ── Loader Construction ────────────────────────────────────
// One Loader per stream table. The dialect comes from the connection's
// driver; the connection itself is opened on first use.

// dialect renders the SQL that differs between relational stores.
type dialect struct {
	driverName string
	// quote renders an identifier.
	quote func(name string) string
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string
	// columnDef renders one column of CREATE TABLE.
	columnDef func(c etl.Column, quote func(string) string) string
	// insertSuffix makes the insert skip rows whose uid is already stored.
	insertSuffix string
	// classify maps driver errors onto the etl failure taxonomy.
	classify func(err error) error
}

// NewLoader creates a Loader for the stream's table on the given connection.
func NewLoader(conn *domain.DatabaseConnection, stream *etl.StreamSchema, log *zap.Logger) (*Loader, error) {
	var (
		d   dialect
		dsn string
		err error
	)
	switch conn.Driver {
	case domain.DatabaseDriverPostgres:
		d, dsn = postgresDialect, buildPostgresDSN(conn)
	case domain.DatabaseDriverMySQL:
		d = mysqlDialect
		if dsn, err = buildMySQLDSN(conn); err != nil {
			return nil, err
		}
	case domain.DatabaseDriverSQLite:
		d, dsn = sqliteDialect, buildSQLiteDSN(conn)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", conn.Driver)
	}

	l := newLoader(d, stream, log)
	l.openDB = func() (*sql.DB, error) {
		db, err := sql.Open(d.driverName, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", d.driverName, err)
		}
		return db, nil
	}
	return l, nil
}

// NewLoaderFromDB creates a Loader on a caller-owned handle. The handle is
// never closed by the Loader and is not replaced after a lost connection.
func NewLoaderFromDB(db *sql.DB, driver domain.DatabaseDriver, stream *etl.StreamSchema, log *zap.Logger) (*Loader, error) {
	var d dialect
	switch driver {
	case domain.DatabaseDriverPostgres:
		d = postgresDialect
	case domain.DatabaseDriverMySQL:
		d = mysqlDialect
	case domain.DatabaseDriverSQLite:
		d = sqliteDialect
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
	l := newLoader(d, stream, log)
	l.db = db
	l.external = true
	return l, nil
}
