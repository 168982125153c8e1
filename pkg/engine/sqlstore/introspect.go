package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rpattn/versioned/pkg/schema"
)

// introspect reads the column definitions of an existing table. Only NOW-style
// defaults are carried over; other defaults stay in the database.
func (e *Engine) introspect(ctx context.Context, namespace, table string) (schema.Attributes, error) {
	var (
		attrs schema.Attributes
		err   error
	)
	switch e.dialect.Name() {
	case "postgres":
		attrs, err = e.introspectPostgres(ctx, namespace, table)
	case "sqlite":
		if namespace != "" {
			return nil, fmt.Errorf("%w: sqlite does not support schema %q", schema.ErrInvalidDefinition, namespace)
		}
		attrs, err = e.introspectSQLite(ctx, table)
	default:
		return nil, fmt.Errorf("introspection is not supported for dialect %s", e.dialect.Name())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s: %w", schema.Qualify(namespace, table), err)
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("table %s not found", schema.Qualify(namespace, table))
	}
	return attrs, nil
}

const postgresColumnsQuery = `
SELECT c.column_name,
       c.data_type,
       c.is_nullable = 'NO',
       COALESCE(c.column_default, ''),
       COALESCE(c.character_maximum_length, 0),
       c.is_identity = 'YES'
FROM information_schema.columns c
WHERE c.table_schema = $1 AND c.table_name = $2
ORDER BY c.ordinal_position`

const postgresConstraintsQuery = `
SELECT k.column_name, t.constraint_type, COUNT(*) OVER (PARTITION BY t.constraint_name)
FROM information_schema.table_constraints t
JOIN information_schema.key_column_usage k
  ON k.constraint_name = t.constraint_name AND k.table_schema = t.table_schema AND k.table_name = t.table_name
WHERE t.table_schema = $1 AND t.table_name = $2 AND t.constraint_type IN ('PRIMARY KEY', 'UNIQUE')`

func (e *Engine) introspectPostgres(ctx context.Context, namespace, table string) (schema.Attributes, error) {
	if namespace == "" {
		namespace = "public"
	}
	q := querier(ctx, e.db)
	rows, err := q.QueryContext(ctx, postgresColumnsQuery, namespace, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attrs := schema.Attributes{}
	for rows.Next() {
		var (
			name, dataType, def string
			notNull, identity   bool
			size                int
		)
		if err := rows.Scan(&name, &dataType, &notNull, &def, &size, &identity); err != nil {
			return nil, err
		}
		attr := schema.Attribute{
			Name:          name,
			Type:          postgresFieldType(dataType),
			NotNull:       notNull,
			Size:          size,
			AutoIncrement: identity || strings.HasPrefix(def, "nextval("),
		}
		if isNowExpression(def) {
			attr.Default = schema.Now
		}
		attrs[name] = attr
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := applyConstraints(ctx, q, attrs, namespace, table); err != nil {
		return nil, err
	}
	return attrs, nil
}

func applyConstraints(ctx context.Context, q Querier, attrs schema.Attributes, namespace, table string) error {
	rows, err := q.QueryContext(ctx, postgresConstraintsQuery, namespace, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			column, kind string
			width        int
		)
		if err := rows.Scan(&column, &kind, &width); err != nil {
			return err
		}
		attr, ok := attrs[column]
		if !ok {
			continue
		}
		switch {
		case kind == "PRIMARY KEY":
			attr.PrimaryKey = true
		case kind == "UNIQUE" && width == 1:
			attr.Unique = true
		}
		attrs[column] = attr
	}
	return rows.Err()
}

func postgresFieldType(dataType string) schema.FieldType {
	switch strings.ToLower(dataType) {
	case "smallint", "integer":
		return schema.FieldTypeInteger
	case "bigint":
		return schema.FieldTypeBigInt
	case "real", "double precision", "numeric":
		return schema.FieldTypeFloat
	case "boolean":
		return schema.FieldTypeBoolean
	case "timestamp with time zone", "timestamp without time zone":
		return schema.FieldTypeTimestamp
	case "date":
		return schema.FieldTypeDate
	case "json", "jsonb":
		return schema.FieldTypeJSON
	case "bytea":
		return schema.FieldTypeBytes
	case "uuid":
		return schema.FieldTypeUUID
	case "text":
		return schema.FieldTypeText
	default:
		return schema.FieldTypeString
	}
}

func (e *Engine) introspectSQLite(ctx context.Context, table string) (schema.Attributes, error) {
	q := querier(ctx, e.db)
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attrs := schema.Attributes{}
	for rows.Next() {
		var (
			cid      int
			name     string
			declType string
			notNull  int
			def      sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &def, &pk); err != nil {
			return nil, err
		}
		attr := schema.Attribute{
			Name:       name,
			Type:       sqliteFieldType(declType),
			NotNull:    notNull == 1,
			PrimaryKey: pk > 0,
		}
		if def.Valid && isNowExpression(def.String) {
			attr.Default = schema.Now
		}
		attrs[name] = attr
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// a sole INTEGER primary key aliases the rowid and auto-increments
	if pks := attrs.PrimaryKeys(); len(pks) == 1 && attrs[pks[0]].Type.IsInteger() {
		attr := attrs[pks[0]]
		attr.AutoIncrement = true
		attrs[pks[0]] = attr
	}

	if err := e.applySQLiteUnique(ctx, q, attrs, table); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (e *Engine) applySQLiteUnique(ctx context.Context, q Querier, attrs schema.Attributes, table string) error {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoteIdent(table)))
	if err != nil {
		return err
	}
	var indexes []string
	for rows.Next() {
		var (
			seq             int
			name, origin    string
			unique, partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return err
		}
		if unique == 1 && origin != "pk" && partial == 0 {
			indexes = append(indexes, name)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, index := range indexes {
		cols, err := sqliteIndexColumns(ctx, q, index)
		if err != nil {
			return err
		}
		if len(cols) != 1 {
			continue
		}
		if attr, ok := attrs[cols[0]]; ok {
			attr.Unique = true
			attrs[cols[0]] = attr
		}
	}
	return nil
}

func sqliteIndexColumns(ctx context.Context, q Querier, index string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteIdent(index)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var (
			seqno, cid int
			name       sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

func sqliteFieldType(declType string) schema.FieldType {
	t := strings.ToUpper(strings.TrimSpace(declType))
	switch {
	case strings.Contains(t, "INT"):
		return schema.FieldTypeInteger
	case strings.HasPrefix(t, "BOOL"):
		return schema.FieldTypeBoolean
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return schema.FieldTypeFloat
	case t == "DATETIME", strings.HasPrefix(t, "TIMESTAMP"):
		return schema.FieldTypeTimestamp
	case t == "DATE":
		return schema.FieldTypeDate
	case t == "BLOB":
		return schema.FieldTypeBytes
	case strings.HasPrefix(t, "VARCHAR"), strings.HasPrefix(t, "CHAR"):
		return schema.FieldTypeString
	case t == "JSON":
		return schema.FieldTypeJSON
	default:
		return schema.FieldTypeText
	}
}

func isNowExpression(def string) bool {
	d := strings.ToLower(strings.TrimSpace(def))
	return d == "current_timestamp" || d == "now()" || strings.HasPrefix(d, "current_timestamp") || strings.HasPrefix(d, "now()")
}
