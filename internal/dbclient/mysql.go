package dbclient

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"

	"logbridge/internal/domain"
	"logbridge/internal/etl"
)

// buildMySQLDSN constructs a MySQL DSN from a DatabaseConnection. Extra
// parameters go through the driver's own DSN parser, which knows its
// options (timeout, readTimeout, ...) and takes the rest as session
// variables.
func buildMySQLDSN(conn *domain.DatabaseConnection) (string, error) {
	port := conn.Port
	if port == 0 {
		port = 3306
	}
	cfg := mysql.NewConfig()
	cfg.User = conn.Username
	cfg.Passwd = conn.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", conn.Host, port)
	cfg.DBName = conn.Database
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	if conn.SSLMode == "require" {
		cfg.TLSConfig = "true"
	}
	dsn := cfg.FormatDSN()
	if len(conn.Params) == 0 {
		return dsn, nil
	}

	extra := url.Values{}
	for k, v := range conn.Params {
		extra.Set(k, v)
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	parsed, err := mysql.ParseDSN(dsn + sep + extra.Encode())
	if err != nil {
		return "", fmt.Errorf("mysql parameters: %w", err)
	}
	return parsed.FormatDSN(), nil
}

var mysqlDialect = dialect{
	driverName:   "mysql",
	quote:        quoteBacktick,
	placeholder:  func(int) string { return "?" },
	columnDef:    mysqlColumnDef,
	insertSuffix: " ON DUPLICATE KEY UPDATE uid = uid",
	classify:     classifyMySQL,
}

// MySQL server errors raised by a single row's values in strict mode.
const (
	erBadNullError                = 1048
	erWarnDataOutOfRange          = 1264
	erWarnDataTruncated           = 1265
	erTruncatedWrongValue         = 1292
	erTruncatedWrongValueForField = 1366
	erDataTooLong                 = 1406
	erCheckConstraintViolated     = 3819
)

func classifyMySQL(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case erDataTooLong:
			return fmt.Errorf("%w: %w", etl.ErrValueTooWide, err)
		case erBadNullError, erWarnDataOutOfRange, erWarnDataTruncated,
			erTruncatedWrongValue, erTruncatedWrongValueForField, erCheckConstraintViolated:
			return fmt.Errorf("%w: %w", etl.ErrRowRejected, err)
		}
		return err
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return fmt.Errorf("%w: %w", etl.ErrConnectionLost, err)
	}
	return classifyCommon(err)
}

func quoteBacktick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// mysqlColumnDef maps the declared postgres types onto MySQL ones.
func mysqlColumnDef(c etl.Column, quote func(string) string) string {
	if c.Name == etl.IDColumn {
		return quote(c.Name) + " BIGINT AUTO_INCREMENT PRIMARY KEY"
	}
	typ := c.Type
	switch strings.ToUpper(typ) {
	case "UUID":
		typ = "CHAR(36)"
	case "TIMESTAMP":
		typ = "DATETIME(6)"
	case "SERIAL":
		typ = "BIGINT"
	}
	return plainColumnDef(etl.Column{Name: c.Name, Type: typ, Constraints: c.Constraints}, quote)
}
