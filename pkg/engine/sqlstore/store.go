// Package sqlstore is a database/sql persistence engine for PostgreSQL and SQLite.
// Each write runs in a transaction together with its lifecycle hooks, so a
// failing listener rolls the write back.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
)

// Engine materializes entities as SQL tables.
type Engine struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger

	mu     sync.Mutex
	models map[string]*Model
}

type Option func(*Engine)

// WithLogger sets the logger used for DDL and write failures.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New returns an engine on db using dialect.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Engine {
	e := &Engine{
		db:      db,
		dialect: dialect,
		logger:  zap.NewNop(),
		models:  make(map[string]*Model),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DB returns the underlying handle.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Dialect returns the engine dialect.
func (e *Engine) Dialect() Dialect {
	return e.dialect
}

// Define runs CREATE TABLE IF NOT EXISTS for def and returns its model.
func (e *Engine) Define(ctx context.Context, def schema.Definition) (entity.Model, error) {
	m, err := e.define(ctx, def)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Engine) define(ctx context.Context, def schema.Definition) (*Model, error) {
	stmts, err := CreateTableStatements(e.dialect, def)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := def.QualifiedTable()
	if existing, ok := e.models[key]; ok {
		return existing, nil
	}
	for _, stmt := range stmts {
		if _, err := querier(ctx, e.db).ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", key, err)
		}
	}
	e.logger.Debug("table ensured", zap.String("table", key))

	m, err := e.newModel(def)
	if err != nil {
		return nil, err
	}
	e.models[key] = m
	return m, nil
}

// Open binds an existing table by introspecting its columns.
func (e *Engine) Open(ctx context.Context, name, table, namespace string) (*Model, error) {
	key := schema.Qualify(namespace, table)
	e.mu.Lock()
	if existing, ok := e.models[key]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.mu.Unlock()

	attrs, err := e.introspect(ctx, namespace, table)
	if err != nil {
		return nil, err
	}
	def := schema.Definition{Name: name, TableName: table, Namespace: namespace, Attributes: attrs}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.models[key]; ok {
		return existing, nil
	}
	m, err := e.newModel(def)
	if err != nil {
		return nil, err
	}
	e.models[key] = m
	return m, nil
}

func (e *Engine) newModel(def schema.Definition) (*Model, error) {
	table, err := e.dialect.Table(def.Namespace, def.TableName)
	if err != nil {
		return nil, err
	}
	attrs := def.Attributes.Clone()
	for name, attr := range attrs {
		attr.Name = name
		attrs[name] = attr
	}
	def.Attributes = attrs
	return &Model{
		engine:  e,
		def:     def,
		table:   table,
		columns: attrs.Names(),
		pks:     attrs.PrimaryKeys(),
	}, nil
}

// Model is one SQL table.
type Model struct {
	engine  *Engine
	def     schema.Definition
	table   string
	columns []string
	pks     []string
	hooks   entity.Hooks
}

func (m *Model) Name() string                  { return m.def.Name }
func (m *Model) TableName() string             { return m.def.TableName }
func (m *Model) Namespace() string             { return m.def.Namespace }
func (m *Model) Attributes() schema.Attributes { return m.def.Attributes.Clone() }
func (m *Model) Hooks() entity.HookRegistrar   { return &m.hooks }
func (m *Model) Engine() entity.Engine         { return m.engine }

// Create inserts a row and fires AfterCreate then AfterSave inside the same transaction.
func (m *Model) Create(ctx context.Context, record schema.Record) (schema.Record, error) {
	var row schema.Record
	err := m.engine.inTx(ctx, func(ctx context.Context, q Querier) error {
		var err error
		row, err = m.insert(ctx, q, record)
		if err != nil {
			return err
		}
		return m.fire(ctx, entity.OpCreate, row, entity.AfterCreate, entity.AfterSave)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Update changes the row identified by the primary-key values in record and fires
// AfterUpdate then AfterSave.
func (m *Model) Update(ctx context.Context, record schema.Record) (schema.Record, error) {
	var row schema.Record
	err := m.engine.inTx(ctx, func(ctx context.Context, q Querier) error {
		var err error
		row, err = m.update(ctx, q, record)
		if err != nil {
			return err
		}
		return m.fire(ctx, entity.OpUpdate, row, entity.AfterUpdate, entity.AfterSave)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Save updates the row when its primary key exists and inserts it otherwise.
// It fires AfterSave only.
func (m *Model) Save(ctx context.Context, record schema.Record) (schema.Record, error) {
	var row schema.Record
	err := m.engine.inTx(ctx, func(ctx context.Context, q Querier) error {
		exists, err := m.exists(ctx, q, record)
		if err != nil {
			return err
		}
		if exists {
			row, err = m.update(ctx, q, record)
		} else {
			row, err = m.insert(ctx, q, record)
		}
		if err != nil {
			return err
		}
		return m.fire(ctx, entity.OpSave, row, entity.AfterSave)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Delete removes the row identified by the primary-key values in record and fires
// AfterDestroy with the removed row.
func (m *Model) Delete(ctx context.Context, record schema.Record) (schema.Record, error) {
	var row schema.Record
	err := m.engine.inTx(ctx, func(ctx context.Context, q Querier) error {
		where, args, err := m.keyClause(record, 1)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s RETURNING %s", m.table, where, m.columnList())
		rows, err := m.queryRows(ctx, q, query, args...)
		if err != nil {
			return fmt.Errorf("failed to delete from %s: %w", m.def.QualifiedTable(), err)
		}
		if len(rows) == 0 {
			return fmt.Errorf("%s %v: %w", m.def.QualifiedTable(), map[string]any(record.Pick(m.pks...)), entity.ErrNotFound)
		}
		row = rows[0]
		return m.fire(ctx, entity.OpDelete, row, entity.AfterDestroy)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Find returns the rows matching the query.
func (m *Model) Find(ctx context.Context, query entity.Query) ([]schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		b    strings.Builder
		args []any
	)
	fmt.Fprintf(&b, "SELECT %s FROM %s", m.columnList(), m.table)

	if len(query.Where) > 0 {
		where, whereArgs, err := m.whereClause(query.Where, 1)
		if err != nil {
			return nil, err
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
		args = whereArgs
	}
	if query.OrderBy != "" {
		if _, ok := m.def.Attributes[query.OrderBy]; !ok {
			return nil, fmt.Errorf("%w: unknown column %q in %s", entity.ErrInvalidRecord, query.OrderBy, m.def.QualifiedTable())
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(m.engine.dialect.Quote(query.OrderBy))
		if query.Desc {
			b.WriteString(" DESC")
		}
	}
	if query.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(query.Limit))
	}

	rows, err := m.queryRows(ctx, querier(ctx, m.engine.db), b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", m.def.QualifiedTable(), err)
	}
	return rows, nil
}

func (m *Model) fire(ctx context.Context, op entity.Operation, row schema.Record, kinds ...entity.HookKind) error {
	return m.hooks.FireAll(ctx, op, m.def.QualifiedTable(), row.Clone(), kinds...)
}

func (m *Model) insert(ctx context.Context, q Querier, record schema.Record) (schema.Record, error) {
	values, err := m.bindValues(record)
	if err != nil {
		return nil, err
	}
	var (
		cols         []string
		placeholders []string
		args         []any
	)
	for _, name := range m.columns {
		v, ok := values[name]
		if !ok {
			continue
		}
		attr := m.def.Attributes[name]
		if v == nil && (attr.AutoIncrement || attr.HasDefault()) {
			continue
		}
		cols = append(cols, m.engine.dialect.Quote(name))
		args = append(args, v)
		placeholders = append(placeholders, m.engine.dialect.Placeholder(len(args)))
	}

	var query string
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", m.table, m.columnList())
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			m.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), m.columnList())
	}
	rows, err := m.queryRows(ctx, q, query, args...)
	if err != nil {
		return nil, m.writeError("insert into", err)
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("insert into %s returned %d rows", m.def.QualifiedTable(), len(rows))
	}
	return rows[0], nil
}

func (m *Model) update(ctx context.Context, q Querier, record schema.Record) (schema.Record, error) {
	values, err := m.bindValues(record)
	if err != nil {
		return nil, err
	}
	var (
		sets []string
		args []any
	)
	for _, name := range m.columns {
		v, ok := values[name]
		if !ok || m.def.Attributes[name].PrimaryKey {
			continue
		}
		args = append(args, v)
		sets = append(sets, m.engine.dialect.Quote(name)+" = "+m.engine.dialect.Placeholder(len(args)))
	}
	where, keyArgs, err := m.keyClause(record, len(args)+1)
	if err != nil {
		return nil, err
	}
	args = append(args, keyArgs...)

	var query string
	if len(sets) == 0 {
		query = fmt.Sprintf("SELECT %s FROM %s WHERE %s", m.columnList(), m.table, where)
	} else {
		query = fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING %s", m.table, strings.Join(sets, ", "), where, m.columnList())
	}
	rows, err := m.queryRows(ctx, q, query, args...)
	if err != nil {
		return nil, m.writeError("update", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %v: %w", m.def.QualifiedTable(), map[string]any(record.Pick(m.pks...)), entity.ErrNotFound)
	}
	return rows[0], nil
}

func (m *Model) exists(ctx context.Context, q Querier, record schema.Record) (bool, error) {
	if len(m.pks) == 0 {
		return false, nil
	}
	for _, pk := range m.pks {
		if record[pk] == nil {
			return false, nil
		}
	}
	where, args, err := m.keyClause(record, 1)
	if err != nil {
		return false, err
	}
	var one int
	err = q.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE %s", m.table, where), args...).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up %s: %w", m.def.QualifiedTable(), err)
	}
	return true, nil
}

func (m *Model) writeError(action string, err error) error {
	if m.engine.dialect.IsConflict(err) {
		return fmt.Errorf("%w: %s %s: %w", entity.ErrConflict, action, m.def.QualifiedTable(), err)
	}
	return fmt.Errorf("failed to %s %s: %w", action, m.def.QualifiedTable(), err)
}

// keyClause builds the primary-key predicate with placeholders starting at start.
func (m *Model) keyClause(record schema.Record, start int) (string, []any, error) {
	if len(m.pks) == 0 {
		return "", nil, fmt.Errorf("%w: %s has no primary key", entity.ErrInvalidRecord, m.def.QualifiedTable())
	}
	key := record.Pick(m.pks...)
	for _, pk := range m.pks {
		if key[pk] == nil {
			return "", nil, fmt.Errorf("%w: primary key %q is required", entity.ErrInvalidRecord, pk)
		}
	}
	return m.whereClause(key, start)
}

func (m *Model) whereClause(where schema.Record, start int) (string, []any, error) {
	values, err := m.bindValues(where)
	if err != nil {
		return "", nil, err
	}
	var (
		parts []string
		args  []any
	)
	for _, name := range m.columns {
		v, ok := values[name]
		if !ok {
			continue
		}
		col := m.engine.dialect.Quote(name)
		if v == nil {
			parts = append(parts, col+" IS NULL")
			continue
		}
		args = append(args, v)
		parts = append(parts, col+" = "+m.engine.dialect.Placeholder(start+len(args)-1))
	}
	return strings.Join(parts, " AND "), args, nil
}

// bindValues converts record values into driver arguments.
func (m *Model) bindValues(record schema.Record) (schema.Record, error) {
	out := make(schema.Record, len(record))
	for name, v := range record {
		attr, ok := m.def.Attributes[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown column %q in %s", entity.ErrInvalidRecord, name, m.def.QualifiedTable())
		}
		coerced, err := schema.Coerce(attr.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q of %s: %w", entity.ErrInvalidRecord, name, m.def.QualifiedTable(), err)
		}
		if attr.Type == schema.FieldTypeJSON && coerced != nil {
			encoded, err := json.Marshal(coerced)
			if err != nil {
				return nil, fmt.Errorf("%w: column %q of %s: %w", entity.ErrInvalidRecord, name, m.def.QualifiedTable(), err)
			}
			coerced = string(encoded)
		}
		out[name] = coerced
	}
	return out, nil
}

func (m *Model) columnList() string {
	quoted := make([]string, len(m.columns))
	for i, name := range m.columns {
		quoted[i] = m.engine.dialect.Quote(name)
	}
	return strings.Join(quoted, ", ")
}

func (m *Model) queryRows(ctx context.Context, q Querier, query string, args ...any) ([]schema.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		values := make([]any, len(m.columns))
		ptrs := make([]any, len(m.columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row, err := m.normalize(values)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize turns scanned driver values into the canonical types of schema.Coerce.
func (m *Model) normalize(values []any) (schema.Record, error) {
	row := make(schema.Record, len(values))
	for i, name := range m.columns {
		attr := m.def.Attributes[name]
		v := values[i]
		if attr.Type == schema.FieldTypeJSON {
			if s, ok := v.(string); ok {
				v = []byte(s)
			}
		}
		coerced, err := schema.Coerce(attr.Type, v)
		if err != nil {
			return nil, fmt.Errorf("scan column %q of %s: %w", name, m.def.QualifiedTable(), err)
		}
		row[name] = coerced
	}
	return row, nil
}

var _ entity.Store = (*Model)(nil)
