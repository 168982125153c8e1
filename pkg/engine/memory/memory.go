// Package memory is an in-process persistence engine. It keeps tables in memory,
// enforces primary keys, uniqueness, defaults and auto-increment, and fires
// lifecycle hooks after each write.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
)

// Engine holds a set of in-memory tables.
type Engine struct {
	mu     sync.Mutex
	tables map[string]*Model
	now    func() time.Time
}

type Option func(*Engine)

// WithClock sets the clock used for NOW defaults.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		tables: make(map[string]*Model),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Define creates the table, or returns the existing handle when a table with the
// same name and attributes exists.
func (e *Engine) Define(ctx context.Context, def schema.Definition) (entity.Model, error) {
	m, err := e.define(ctx, def)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MustDefine is Define for static setup code; it panics on error.
func (e *Engine) MustDefine(def schema.Definition) *Model {
	m, err := e.define(context.Background(), def)
	if err != nil {
		panic(err)
	}
	return m
}

func (e *Engine) define(ctx context.Context, def schema.Definition) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	attrs := def.Attributes.Clone()
	for name, attr := range attrs {
		attr.Name = name
		attrs[name] = attr
	}
	def.Attributes = attrs

	e.mu.Lock()
	defer e.mu.Unlock()

	key := def.QualifiedTable()
	if existing, ok := e.tables[key]; ok {
		if !reflect.DeepEqual(existing.def.Attributes, def.Attributes) {
			return nil, fmt.Errorf("%w: table %s already exists with different columns", entity.ErrConflict, key)
		}
		return existing, nil
	}

	m := &Model{
		engine: e,
		def:    def,
		pks:    attrs.PrimaryKeys(),
		seq:    make(map[string]int64),
	}
	e.tables[key] = m
	return m, nil
}

// Table returns the handle of a defined table.
func (e *Engine) Table(qualified string) (*Model, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.tables[qualified]
	return m, ok
}

// Model is one in-memory table.
type Model struct {
	engine *Engine
	def    schema.Definition
	pks    []string
	hooks  entity.Hooks

	// writeMu is held from a write until its hooks return, so listeners observe
	// writes in the order they were applied. A hook must not write to its own model.
	writeMu sync.Mutex

	mu   sync.RWMutex
	rows []schema.Record
	seq  map[string]int64
}

func (m *Model) Name() string                  { return m.def.Name }
func (m *Model) TableName() string             { return m.def.TableName }
func (m *Model) Namespace() string             { return m.def.Namespace }
func (m *Model) Attributes() schema.Attributes { return m.def.Attributes.Clone() }
func (m *Model) Hooks() entity.HookRegistrar   { return &m.hooks }
func (m *Model) Engine() entity.Engine         { return m.engine }

// Len returns the number of stored rows.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *Model) qualified() string {
	return m.def.QualifiedTable()
}

func (m *Model) fire(ctx context.Context, op entity.Operation, row schema.Record, kinds ...entity.HookKind) error {
	return m.hooks.FireAll(ctx, op, m.qualified(), row, kinds...)
}

// Create inserts a row and fires AfterCreate then AfterSave.
func (m *Model) Create(ctx context.Context, record schema.Record) (schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	row, err := m.insertLocked(record)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := m.fire(ctx, entity.OpCreate, copyRecord(row), entity.AfterCreate, entity.AfterSave); err != nil {
		return copyRecord(row), err
	}
	return copyRecord(row), nil
}

// Update changes the row identified by the primary-key values in record and
// fires AfterUpdate then AfterSave.
func (m *Model) Update(ctx context.Context, record schema.Record) (schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	idx, err := m.indexByKeyLocked(record)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	row, err := m.updateLocked(idx, record)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := m.fire(ctx, entity.OpUpdate, copyRecord(row), entity.AfterUpdate, entity.AfterSave); err != nil {
		return copyRecord(row), err
	}
	return copyRecord(row), nil
}

// Save updates the row when its primary key exists and inserts it otherwise.
// It fires AfterSave only.
func (m *Model) Save(ctx context.Context, record schema.Record) (schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	var (
		row schema.Record
		err error
	)
	if idx, findErr := m.indexByKeyLocked(record); findErr == nil {
		row, err = m.updateLocked(idx, record)
	} else {
		row, err = m.insertLocked(record)
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := m.fire(ctx, entity.OpSave, copyRecord(row), entity.AfterSave); err != nil {
		return copyRecord(row), err
	}
	return copyRecord(row), nil
}

// Delete removes the row identified by the primary-key values in record and
// fires AfterDestroy with the removed row.
func (m *Model) Delete(ctx context.Context, record schema.Record) (schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	idx, err := m.indexByKeyLocked(record)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	row := m.rows[idx]
	m.rows = append(m.rows[:idx:idx], m.rows[idx+1:]...)
	m.mu.Unlock()

	if err := m.fire(ctx, entity.OpDelete, copyRecord(row), entity.AfterDestroy); err != nil {
		return copyRecord(row), err
	}
	return copyRecord(row), nil
}

// Find returns copies of the rows matching the query.
func (m *Model) Find(ctx context.Context, q entity.Query) ([]schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	where, err := m.coerceRecord(q.Where)
	if err != nil {
		return nil, err
	}
	if q.OrderBy != "" {
		if _, ok := m.def.Attributes[q.OrderBy]; !ok {
			return nil, fmt.Errorf("%w: unknown column %q in %s", entity.ErrInvalidRecord, q.OrderBy, m.qualified())
		}
	}

	m.mu.RLock()
	var out []schema.Record
	for _, row := range m.rows {
		if matches(row, where) {
			out = append(out, copyRecord(row))
		}
	}
	m.mu.RUnlock()

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(out[i][q.OrderBy], out[j][q.OrderBy])
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	} else if q.Desc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Model) insertLocked(record schema.Record) (schema.Record, error) {
	values, err := m.coerceRecord(record)
	if err != nil {
		return nil, err
	}
	now := m.engine.now()
	row := make(schema.Record, len(m.def.Attributes))
	for name, attr := range m.def.Attributes {
		v, ok := values[name]
		switch {
		case ok && v != nil:
			if attr.AutoIncrement {
				if n := v.(int64); n > m.seq[name] {
					m.seq[name] = n
				}
			}
		case attr.AutoIncrement:
			m.seq[name]++
			v = m.seq[name]
		case attr.HasDefault():
			v = schema.DefaultValue(attr, now)
		}
		row[name] = v
	}
	if err := m.checkLocked(row, -1); err != nil {
		return nil, err
	}
	m.rows = append(m.rows, row)
	return row, nil
}

func (m *Model) updateLocked(idx int, record schema.Record) (schema.Record, error) {
	values, err := m.coerceRecord(record)
	if err != nil {
		return nil, err
	}
	row := copyRecord(m.rows[idx])
	for name, v := range values {
		row[name] = v
	}
	if err := m.checkLocked(row, idx); err != nil {
		return nil, err
	}
	m.rows[idx] = row
	return row, nil
}

func (m *Model) indexByKeyLocked(record schema.Record) (int, error) {
	if len(m.pks) == 0 {
		return -1, fmt.Errorf("%w: %s has no primary key", entity.ErrInvalidRecord, m.qualified())
	}
	key, err := m.coerceRecord(record.Pick(m.pks...))
	if err != nil {
		return -1, err
	}
	for _, pk := range m.pks {
		if key[pk] == nil {
			return -1, fmt.Errorf("%w: primary key %q is required", entity.ErrInvalidRecord, pk)
		}
	}
	for i, row := range m.rows {
		if matches(row, key) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%s %v: %w", m.qualified(), map[string]any(key), entity.ErrNotFound)
}

// checkLocked enforces not-null, primary-key and unique constraints. skip is the
// index of the row being replaced, or -1.
func (m *Model) checkLocked(row schema.Record, skip int) error {
	for name, attr := range m.def.Attributes {
		if (attr.NotNull || attr.PrimaryKey) && row[name] == nil {
			return fmt.Errorf("%w: column %q of %s must not be null", entity.ErrInvalidRecord, name, m.qualified())
		}
	}
	if len(m.pks) > 0 {
		key := row.Pick(m.pks...)
		for i, existing := range m.rows {
			if i != skip && matches(existing, key) {
				return fmt.Errorf("%w: duplicate primary key %v in %s", entity.ErrConflict, map[string]any(key), m.qualified())
			}
		}
	}
	for name, attr := range m.def.Attributes {
		if !attr.Unique || row[name] == nil {
			continue
		}
		for i, existing := range m.rows {
			if i != skip && compare(existing[name], row[name]) == 0 {
				return fmt.Errorf("%w: duplicate value for unique column %q in %s", entity.ErrConflict, name, m.qualified())
			}
		}
	}
	return nil
}

func (m *Model) coerceRecord(record schema.Record) (schema.Record, error) {
	out := make(schema.Record, len(record))
	for name, v := range record {
		attr, ok := m.def.Attributes[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown column %q in %s", entity.ErrInvalidRecord, name, m.qualified())
		}
		coerced, err := schema.Coerce(attr.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q of %s: %w", entity.ErrInvalidRecord, name, m.qualified(), err)
		}
		out[name] = coerced
	}
	return out, nil
}

func matches(row, where schema.Record) bool {
	for k, v := range where {
		if compare(row[k], v) != 0 {
			return false
		}
	}
	return true
}

func copyRecord(r schema.Record) schema.Record {
	if r == nil {
		return nil
	}
	return deepcopy.Copy(r).(schema.Record)
}

// compare orders canonical column values. nil sorts first.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch av := a.(type) {
	case int64:
		if bv, ok := b.(int64); ok {
			return cmpOrdered(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return cmpOrdered(av, bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	}
	if reflect.DeepEqual(a, b) {
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var _ entity.Store = (*Model)(nil)
