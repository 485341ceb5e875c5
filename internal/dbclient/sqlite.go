package dbclient

import (
	"errors"
	"fmt"
	"net/url"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"logbridge/internal/domain"
	"logbridge/internal/etl"
)

// buildSQLiteDSN opens a file in WAL mode with a busy timeout.
// In-memory databases take no pragmas. Extra parameters (_txlock,
// _time_format, more _pragma entries) are appended for the driver.
func buildSQLiteDSN(conn *domain.DatabaseConnection) string {
	extra := url.Values{}
	for k, v := range conn.Params {
		extra.Set(k, v)
	}
	if conn.Host == ":memory:" {
		if len(extra) == 0 {
			return conn.Host
		}
		return "file::memory:?" + extra.Encode()
	}
	dsn := "file:" + conn.Host + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if len(extra) > 0 {
		dsn += "&" + extra.Encode()
	}
	return dsn
}

var sqliteDialect = dialect{
	driverName:   "sqlite",
	quote:        quoteDouble,
	placeholder:  func(int) string { return "?" },
	columnDef:    sqliteColumnDef,
	insertSuffix: " ON CONFLICT (uid) DO NOTHING",
	classify:     classifySQLite,
}

// classifySQLite reads the extended result code the driver reports. A
// uid conflict never gets here: the insert resolves it.
func classifySQLite(err error) error {
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch code := liteErr.Code(); {
		case code == sqlite3.SQLITE_TOOBIG:
			return fmt.Errorf("%w: %w", etl.ErrValueTooWide, err)
		case code == sqlite3.SQLITE_CONSTRAINT_NOTNULL,
			code == sqlite3.SQLITE_CONSTRAINT_CHECK,
			code&0xff == sqlite3.SQLITE_MISMATCH:
			return fmt.Errorf("%w: %w", etl.ErrRowRejected, err)
		}
		return err
	}
	return classifyCommon(err)
}

// sqliteColumnDef turns the serial id into a rowid alias; every other
// declared type is accepted by SQLite's type affinity as is.
func sqliteColumnDef(c etl.Column, quote func(string) string) string {
	if c.Name == etl.IDColumn {
		return quote(c.Name) + " INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return plainColumnDef(c, quote)
}
