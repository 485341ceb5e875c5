package dbclient

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"logbridge/internal/domain"
	"logbridge/internal/etl"
)

// buildPostgresDSN constructs a Postgres connection string from a DatabaseConnection.
func buildPostgresDSN(conn *domain.DatabaseConnection) string {
	port := conn.Port
	if port == 0 {
		port = 5432
	}
	sslMode := conn.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		conn.Host, port, quoteDSNValue(conn.Username), quoteDSNValue(conn.Password), quoteDSNValue(conn.Database), sslMode,
	)
	// lib/pq reads its own keys (connect_timeout, sslrootcert, ...) and sends
	// the rest to the server as run-time parameters.
	for _, key := range slices.Sorted(maps.Keys(conn.Params)) {
		dsn += " " + key + "=" + quoteDSNValue(conn.Params[key])
	}
	return dsn
}

// quoteDSNValue quotes a key=value DSN value when it has spaces or quotes.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

var postgresDialect = dialect{
	driverName:   "postgres",
	quote:        quoteDouble,
	placeholder:  func(n int) string { return "$" + strconv.Itoa(n) },
	columnDef:    plainColumnDef,
	insertSuffix: " ON CONFLICT (uid) DO NOTHING",
	classify:     classifyPostgres,
}

// Postgres error codes the loader reacts to.
const (
	pqStringDataRightTruncation = pq.ErrorCode("22001")
	pqNotNullViolation          = pq.ErrorCode("23502")
	pqCheckViolation            = pq.ErrorCode("23514")
	pqClassDataException        = pq.ErrorClass("22")
	pqClassConnectionException  = pq.ErrorClass("08")
)

func classifyPostgres(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == pqStringDataRightTruncation:
			return fmt.Errorf("%w: %w", etl.ErrValueTooWide, err)
		case pqErr.Code.Class() == pqClassDataException,
			pqErr.Code == pqNotNullViolation,
			pqErr.Code == pqCheckViolation:
			return fmt.Errorf("%w: %w", etl.ErrRowRejected, err)
		case pqErr.Code.Class() == pqClassConnectionException:
			return fmt.Errorf("%w: %w", etl.ErrConnectionLost, err)
		}
		return err
	}
	return classifyCommon(err)
}

func quoteDouble(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// plainColumnDef renders a column exactly as declared.
func plainColumnDef(c etl.Column, quote func(string) string) string {
	def := quote(c.Name) + " " + c.Type
	if c.Constraints != "" {
		def += " " + c.Constraints
	}
	return def
}
