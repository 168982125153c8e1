package sqlstore

import (
	"fmt"
	"strings"

	"github.com/rpattn/versioned/pkg/schema"
)

// CreateTableStatements returns the DDL that materializes def. The statements
// are idempotent.
func CreateTableStatements(d Dialect, def schema.Definition) ([]string, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	table, err := d.Table(def.Namespace, def.TableName)
	if err != nil {
		return nil, err
	}

	var stmts []string
	if def.Namespace != "" && d.SupportsSchemas() {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+d.Quote(def.Namespace))
	}

	pks := def.Attributes.PrimaryKeys()
	var columns []string
	inlinePK := false
	for _, name := range def.Attributes.Names() {
		attr := def.Attributes[name]
		attr.Name = name
		if attr.AutoIncrement {
			if len(pks) != 1 || pks[0] != name {
				return nil, fmt.Errorf("%w: auto-increment column %q must be the only primary key", schema.ErrInvalidDefinition, name)
			}
			columns = append(columns, d.AutoIncrementColumn(attr))
			inlinePK = true
			continue
		}
		col, err := columnClause(d, attr)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", def.QualifiedTable(), err)
		}
		columns = append(columns, col)
	}
	if len(pks) > 0 && !inlinePK {
		quoted := make([]string, len(pks))
		for i, pk := range pks {
			quoted[i] = d.Quote(pk)
		}
		columns = append(columns, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}

	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table, strings.Join(columns, ",\n\t")))
	return stmts, nil
}

func columnClause(d Dialect, attr schema.Attribute) (string, error) {
	var b strings.Builder
	b.WriteString(d.Quote(attr.Name))
	b.WriteString(" ")
	b.WriteString(d.ColumnType(attr))
	if attr.NotNull || attr.PrimaryKey {
		b.WriteString(" NOT NULL")
	}
	if attr.Unique && !attr.PrimaryKey {
		b.WriteString(" UNIQUE")
	}
	if attr.HasDefault() {
		lit, err := literal(attr.Default)
		if err != nil {
			return "", fmt.Errorf("column %q: %w", attr.Name, err)
		}
		b.WriteString(" DEFAULT ")
		b.WriteString(lit)
	}
	return b.String(), nil
}
