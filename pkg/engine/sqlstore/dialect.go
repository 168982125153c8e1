package sqlstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rpattn/versioned/pkg/schema"
)

// Dialect isolates the SQL differences between supported databases.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver the dialect expects.
	DriverName() string
	Placeholder(n int) string
	Quote(ident string) string
	// Table returns the quoted, qualified table name.
	Table(namespace, table string) (string, error)
	ColumnType(attr schema.Attribute) string
	// AutoIncrementColumn returns the full column clause for a sole auto-increment primary key.
	AutoIncrementColumn(attr schema.Attribute) string
	SupportsSchemas() bool
	IsConflict(err error) bool
}

var (
	// Postgres targets PostgreSQL through the pgx stdlib driver.
	Postgres Dialect = postgresDialect{}
	// SQLite targets SQLite through the modernc.org/sqlite driver.
	SQLite Dialect = sqliteDialect{}
)

// DialectByName resolves "postgres" or "sqlite".
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", name)
	}
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

type postgresDialect struct{}

func (postgresDialect) Name() string              { return "postgres" }
func (postgresDialect) DriverName() string        { return "pgx" }
func (postgresDialect) Placeholder(n int) string  { return "$" + strconv.Itoa(n) }
func (postgresDialect) Quote(ident string) string { return quoteIdent(ident) }
func (postgresDialect) SupportsSchemas() bool     { return true }

func (postgresDialect) Table(namespace, table string) (string, error) {
	if namespace == "" {
		return quoteIdent(table), nil
	}
	return quoteIdent(namespace) + "." + quoteIdent(table), nil
}

func (postgresDialect) ColumnType(attr schema.Attribute) string {
	switch attr.Type {
	case schema.FieldTypeString:
		if attr.Size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", attr.Size)
		}
		return "TEXT"
	case schema.FieldTypeText:
		return "TEXT"
	case schema.FieldTypeInteger:
		return "INTEGER"
	case schema.FieldTypeBigInt:
		return "BIGINT"
	case schema.FieldTypeFloat:
		return "DOUBLE PRECISION"
	case schema.FieldTypeBoolean:
		return "BOOLEAN"
	case schema.FieldTypeTimestamp:
		return "TIMESTAMPTZ"
	case schema.FieldTypeDate:
		return "DATE"
	case schema.FieldTypeJSON:
		return "JSONB"
	case schema.FieldTypeBytes:
		return "BYTEA"
	case schema.FieldTypeUUID:
		return "UUID"
	default:
		return "TEXT"
	}
}

func (d postgresDialect) AutoIncrementColumn(attr schema.Attribute) string {
	serial := "BIGSERIAL"
	if attr.Type == schema.FieldTypeInteger {
		serial = "SERIAL"
	}
	return d.Quote(attr.Name) + " " + serial + " PRIMARY KEY"
}

func (postgresDialect) IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// unique_violation
		return pgErr.Code == "23505"
	}
	return false
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string              { return "sqlite" }
func (sqliteDialect) DriverName() string        { return "sqlite" }
func (sqliteDialect) Placeholder(int) string    { return "?" }
func (sqliteDialect) Quote(ident string) string { return quoteIdent(ident) }
func (sqliteDialect) SupportsSchemas() bool     { return false }

func (sqliteDialect) Table(namespace, table string) (string, error) {
	if namespace != "" {
		return "", fmt.Errorf("%w: sqlite does not support schema %q", schema.ErrInvalidDefinition, namespace)
	}
	return quoteIdent(table), nil
}

func (sqliteDialect) ColumnType(attr schema.Attribute) string {
	switch attr.Type {
	case schema.FieldTypeString:
		if attr.Size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", attr.Size)
		}
		return "TEXT"
	case schema.FieldTypeInteger, schema.FieldTypeBigInt:
		return "INTEGER"
	case schema.FieldTypeFloat:
		return "REAL"
	case schema.FieldTypeBoolean:
		return "BOOLEAN"
	case schema.FieldTypeTimestamp:
		return "DATETIME"
	case schema.FieldTypeDate:
		return "DATE"
	case schema.FieldTypeBytes:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func (d sqliteDialect) AutoIncrementColumn(attr schema.Attribute) string {
	return d.Quote(attr.Name) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (sqliteDialect) IsConflict(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

// literal renders a default value as SQL. NOW renders as CURRENT_TIMESTAMP.
func literal(v any) (string, error) {
	if schema.IsNow(v) {
		return "CURRENT_TIMESTAMP", nil
	}
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'", nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(val), nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("default value %v: %w", v, err)
		}
		return literal(string(encoded))
	}
}
