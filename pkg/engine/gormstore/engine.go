// Package gormstore adapts GORM models to the entity capabilities. Lifecycle
// hooks are GORM callbacks registered between the model's after hooks and
// gorm:commit_or_rollback_transaction, so every GORM write of a registered model
// fires them inside the write transaction and a failing listener rolls it back.
//
// Updates and deletes addressed by conditions rather than by a primary key read
// the matching rows before the write, and listeners receive those rows.
package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gschema "gorm.io/gorm/schema"

	"github.com/rpattn/versioned/pkg/engine/sqlstore"
	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
)

const callbackPrefix = "versioned:"

// Engine binds GORM models and dynamic tables to one *gorm.DB.
type Engine struct {
	db      *gorm.DB
	dialect sqlstore.Dialect
	logger  *zap.Logger
	cache   sync.Map

	mu     sync.RWMutex
	tables map[string]*Model
}

type Option func(*Engine)

// WithLogger sets the logger used for callback failures.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New registers the lifecycle callbacks on db and returns the engine.
func New(db *gorm.DB, opts ...Option) (*Engine, error) {
	dialect, err := sqlstore.DialectByName(db.Dialector.Name())
	if err != nil {
		return nil, err
	}
	e := &Engine{
		db:      db,
		dialect: dialect,
		logger:  zap.NewNop(),
		tables:  make(map[string]*Model),
	}
	for _, opt := range opts {
		opt(e)
	}

	cb := db.Callback()
	const commit = "gorm:commit_or_rollback_transaction"
	if err := cb.Create().After("gorm:after_create").Before(commit).Register(callbackPrefix+"after_create", e.afterCreate); err != nil {
		return nil, fmt.Errorf("failed to register create callback: %w", err)
	}
	if err := cb.Update().After("gorm:before_update").Before("gorm:update").Register(callbackPrefix+"before_update", e.captureAffected); err != nil {
		return nil, fmt.Errorf("failed to register update callback: %w", err)
	}
	if err := cb.Update().After("gorm:after_update").Before(commit).Register(callbackPrefix+"after_update", e.afterUpdate); err != nil {
		return nil, fmt.Errorf("failed to register update callback: %w", err)
	}
	if err := cb.Delete().After("gorm:before_delete").Before("gorm:delete").Register(callbackPrefix+"before_delete", e.captureAffected); err != nil {
		return nil, fmt.Errorf("failed to register delete callback: %w", err)
	}
	if err := cb.Delete().After("gorm:after_delete").Before(commit).Register(callbackPrefix+"after_delete", e.afterDelete); err != nil {
		return nil, fmt.Errorf("failed to register delete callback: %w", err)
	}
	return e, nil
}

// Model parses a GORM model (a struct or pointer to struct) into an entity handle.
// Repeated calls for the same table return the same handle.
func (e *Engine) Model(value any) (*Model, error) {
	s, err := gschema.Parse(value, &e.cache, e.db.NamingStrategy)
	if err != nil {
		return nil, fmt.Errorf("failed to parse model %T: %w", value, err)
	}
	namespace, table := splitTable(s.Table)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.tables[s.Table]; ok {
		return existing, nil
	}
	m := &Model{
		engine: e,
		def: schema.Definition{
			Name:       s.Name,
			TableName:  table,
			Namespace:  namespace,
			Attributes: attributesFromSchema(s),
		},
		schema: s,
	}
	e.tables[s.Table] = m
	return m, nil
}

// Define creates the table for def with generated DDL and returns a map-backed model.
func (e *Engine) Define(ctx context.Context, def schema.Definition) (entity.Model, error) {
	stmts, err := sqlstore.CreateTableStatements(e.dialect, def)
	if err != nil {
		return nil, err
	}
	key := def.QualifiedTable()

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.tables[key]; ok {
		return existing, nil
	}
	conn := e.conn(ctx)
	for _, stmt := range stmts {
		if err := conn.Exec(stmt).Error; err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", key, err)
		}
	}
	attrs := def.Attributes.Clone()
	for name, attr := range attrs {
		attr.Name = name
		attrs[name] = attr
	}
	def.Attributes = attrs
	m := &Model{engine: e, def: def}
	e.tables[key] = m
	return m, nil
}

func (e *Engine) lookup(table string) *Model {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tables[table]
}

type txKey struct{}

// conn returns a fresh statement on the transaction of the GORM write that is
// firing hooks, or a new session bound to ctx.
func (e *Engine) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx.Session(&gorm.Session{NewDB: true, Context: ctx})
	}
	return e.db.WithContext(ctx)
}

const affectedKey = callbackPrefix + "affected"

// captureAffected runs before an update or delete whose model value carries no
// primary key. It reads the rows the WHERE clause selects so the after callback
// can report them.
func (e *Engine) captureAffected(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	m := e.lookup(db.Statement.Schema.Table)
	if m == nil || m.schema == nil {
		return
	}
	ctx := statementContext(db)
	if addressedByKey(ctx, m.schema, db.Statement.ReflectValue) {
		return
	}
	c, ok := db.Statement.Clauses["WHERE"]
	if !ok {
		return
	}
	where, ok := c.Expression.(clause.Where)
	if !ok || len(where.Exprs) == 0 {
		return
	}

	rows := reflect.New(reflect.SliceOf(m.schema.ModelType))
	if err := db.Session(&gorm.Session{NewDB: true}).Clauses(where).Find(rows.Interface()).Error; err != nil {
		_ = db.AddError(fmt.Errorf("failed to read rows affected in %s: %w", m.def.QualifiedTable(), err))
		return
	}
	db.InstanceSet(affectedKey, recordsFromValue(ctx, m.schema, rows.Elem()))
}

// reload reads the current state of each captured row by primary key. Rows that
// no longer exist are skipped.
func (m *Model) reload(ctx context.Context, db *gorm.DB, records []schema.Record) ([]schema.Record, error) {
	pks := m.def.Attributes.PrimaryKeys()
	out := make([]schema.Record, 0, len(records))
	for _, record := range records {
		ptr := reflect.New(m.schema.ModelType)
		res := db.Session(&gorm.Session{NewDB: true}).Where(map[string]any(record.Pick(pks...))).Limit(1).Find(ptr.Interface())
		if res.Error != nil {
			return nil, fmt.Errorf("failed to reload %s: %w", m.def.QualifiedTable(), res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		out = append(out, recordFromStruct(ctx, m.schema, ptr.Elem()))
	}
	return out, nil
}

func statementContext(db *gorm.DB) context.Context {
	if db.Statement.Context != nil {
		return db.Statement.Context
	}
	return context.Background()
}

func (e *Engine) afterCreate(db *gorm.DB) {
	e.dispatch(db, entity.OpCreate, entity.AfterCreate, entity.AfterSave)
}

func (e *Engine) afterUpdate(db *gorm.DB) {
	e.dispatch(db, entity.OpUpdate, entity.AfterUpdate, entity.AfterSave)
}

func (e *Engine) afterDelete(db *gorm.DB) {
	e.dispatch(db, entity.OpDelete, entity.AfterDestroy)
}

func (e *Engine) dispatch(db *gorm.DB, op entity.Operation, kinds ...entity.HookKind) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	m := e.lookup(db.Statement.Schema.Table)
	if m == nil || m.schema == nil {
		return
	}
	ctx := context.WithValue(statementContext(db), txKey{}, db.Session(&gorm.Session{NewDB: true}))

	records := recordsFromValue(ctx, db.Statement.Schema, db.Statement.ReflectValue)
	if v, ok := db.InstanceGet(affectedKey); ok {
		records = v.([]schema.Record)
		if op == entity.OpUpdate {
			reloaded, err := m.reload(ctx, db, records)
			if err != nil {
				_ = db.AddError(err)
				return
			}
			records = reloaded
		}
	}

	for _, record := range records {
		if err := m.fire(ctx, op, record, kinds...); err != nil {
			e.logger.Error("lifecycle listener failed",
				zap.String("table", m.def.QualifiedTable()),
				zap.String("operation", string(op)),
				zap.Error(err),
			)
			_ = db.AddError(err)
			return
		}
	}
}

// Model is a GORM model or a dynamic table created by Define.
type Model struct {
	engine *Engine
	def    schema.Definition
	schema *gschema.Schema
	hooks  entity.Hooks
}

func (m *Model) Name() string                  { return m.def.Name }
func (m *Model) TableName() string             { return m.def.TableName }
func (m *Model) Namespace() string             { return m.def.Namespace }
func (m *Model) Attributes() schema.Attributes { return m.def.Attributes.Clone() }
func (m *Model) Hooks() entity.HookRegistrar   { return &m.hooks }
func (m *Model) Engine() entity.Engine         { return m.engine }

func (m *Model) fire(ctx context.Context, op entity.Operation, row schema.Record, kinds ...entity.HookKind) error {
	return m.hooks.FireAll(ctx, op, m.def.QualifiedTable(), row, kinds...)
}

// Create inserts record. GORM models go through db.Create so callbacks fire;
// dynamic tables insert the map and fire their hooks directly.
func (m *Model) Create(ctx context.Context, record schema.Record) (schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.schema != nil {
		ptr, err := m.newValue(ctx, record)
		if err != nil {
			return nil, err
		}
		if err := m.engine.conn(ctx).Create(ptr.Interface()).Error; err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", m.def.Name, err)
		}
		return recordFromStruct(ctx, m.schema, ptr.Elem()), nil
	}

	values, err := m.bindValues(record)
	if err != nil {
		return nil, err
	}
	if err := m.engine.conn(ctx).Table(m.def.QualifiedTable()).Create(map[string]any(values)).Error; err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", m.def.QualifiedTable(), err)
	}
	row, err := m.coerce(record)
	if err != nil {
		return nil, err
	}
	if err := m.fire(ctx, entity.OpCreate, row, entity.AfterCreate, entity.AfterSave); err != nil {
		return row, err
	}
	return row, nil
}

// Find returns rows as records. Values are normalized to the attribute types.
func (m *Model) Find(ctx context.Context, q entity.Query) ([]schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := m.engine.conn(ctx).Table(m.def.QualifiedTable())
	if len(q.Where) > 0 {
		where, err := m.bindValues(q.Where)
		if err != nil {
			return nil, err
		}
		tx = tx.Where(map[string]any(where))
	}
	if q.OrderBy != "" {
		if _, ok := m.def.Attributes[q.OrderBy]; !ok {
			return nil, fmt.Errorf("%w: unknown column %q in %s", entity.ErrInvalidRecord, q.OrderBy, m.def.QualifiedTable())
		}
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: q.OrderBy}, Desc: q.Desc})
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var raw []map[string]any
	if err := tx.Find(&raw).Error; err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", m.def.QualifiedTable(), err)
	}
	out := make([]schema.Record, 0, len(raw))
	for _, r := range raw {
		row, err := m.normalize(r)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// Delete removes the row of a GORM model identified by its primary key. The
// deleted row is read back first so AfterDestroy sees every column.
func (m *Model) Delete(ctx context.Context, record schema.Record) (schema.Record, error) {
	if m.schema == nil {
		return nil, fmt.Errorf("delete is only supported for GORM models, not %s", m.def.QualifiedTable())
	}
	key := record.Pick(m.def.Attributes.PrimaryKeys()...)
	if len(key) == 0 {
		return nil, fmt.Errorf("primary key of %s is required", m.def.Name)
	}
	ptr := reflect.New(m.schema.ModelType)
	conn := m.engine.conn(ctx)
	if err := conn.Where(map[string]any(key)).Take(ptr.Interface()).Error; err != nil {
		return nil, fmt.Errorf("%s %v: %w", m.def.Name, map[string]any(key), entity.ErrNotFound)
	}
	if err := conn.Delete(ptr.Interface()).Error; err != nil {
		return nil, fmt.Errorf("failed to delete %s: %w", m.def.Name, err)
	}
	return recordFromStruct(ctx, m.schema, ptr.Elem()), nil
}

func (m *Model) newValue(ctx context.Context, record schema.Record) (reflect.Value, error) {
	ptr := reflect.New(m.schema.ModelType)
	values, err := m.coerce(record)
	if err != nil {
		return reflect.Value{}, err
	}
	for name, v := range values {
		field := m.schema.LookUpField(name)
		if field == nil || v == nil {
			continue
		}
		if err := field.Set(ctx, ptr.Elem(), v); err != nil {
			return reflect.Value{}, fmt.Errorf("set %s.%s: %w", m.def.Name, name, err)
		}
	}
	return ptr, nil
}

func (m *Model) coerce(record schema.Record) (schema.Record, error) {
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
		out[name] = coerced
	}
	return out, nil
}

func (m *Model) bindValues(record schema.Record) (schema.Record, error) {
	out, err := m.coerce(record)
	if err != nil {
		return nil, err
	}
	for name, v := range out {
		if m.def.Attributes[name].Type == schema.FieldTypeJSON && v != nil {
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%w: column %q of %s: %w", entity.ErrInvalidRecord, name, m.def.QualifiedTable(), err)
			}
			out[name] = string(encoded)
		}
	}
	return out, nil
}

func (m *Model) normalize(raw map[string]any) (schema.Record, error) {
	row := make(schema.Record, len(raw))
	for name, v := range raw {
		attr, ok := m.def.Attributes[name]
		if !ok {
			continue
		}
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

func splitTable(table string) (namespace, name string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}
