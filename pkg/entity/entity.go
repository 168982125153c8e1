// Package entity defines the capabilities a persistence engine exposes to the
// versioning core: entity schemas, table definition, inserts, reads and lifecycle hooks.
package entity

import (
	"context"
	"errors"

	"github.com/rpattn/versioned/pkg/schema"
)

// Sentinel errors shared by engines.
var (
	ErrNotFound      = errors.New("record not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalidRecord = errors.New("invalid record")
	ErrDuplicateHook = errors.New("hook already registered")
)

// HookKind names a record lifecycle event fired after the write completed.
type HookKind string

const (
	AfterCreate  HookKind = "afterCreate"
	AfterUpdate  HookKind = "afterUpdate"
	AfterSave    HookKind = "afterSave"
	AfterDestroy HookKind = "afterDestroy"
)

// HookKinds lists every lifecycle event in firing order for one write.
var HookKinds = []HookKind{AfterCreate, AfterUpdate, AfterSave, AfterDestroy}

// Operation names the engine call that triggered a hook.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpSave   Operation = "save"
	OpDelete Operation = "delete"
)

// Event is handed to hook listeners. Record reflects the row after the mutation
// was applied; listeners must not retain it past the call.
type Event struct {
	Kind      HookKind
	Operation Operation
	Table     string
	Record    schema.Record
}

// Standalone reports whether an AfterSave event came from a generic save call
// rather than accompanying a create or update.
func (e Event) Standalone() bool {
	return e.Kind == AfterSave && e.Operation == OpSave
}

// HookFunc is a lifecycle listener. A non-nil error fails the triggering operation.
type HookFunc func(ctx context.Context, event Event) error

// HookRegistrar attaches named listeners to an entity.
type HookRegistrar interface {
	AddHook(kind HookKind, name string, fn HookFunc) error
	RemoveHook(kind HookKind, name string) bool
	HasHook(kind HookKind, name string) bool
}

// Query selects rows by column equality.
type Query struct {
	Where   schema.Record
	OrderBy string
	Desc    bool
	Limit   int
}

// Model is a handle on one entity bound to a table.
type Model interface {
	Name() string
	TableName() string
	Namespace() string
	// Attributes returns a copy of the entity schema.
	Attributes() schema.Attributes
	Hooks() HookRegistrar
	Engine() Engine
	// Create inserts a row, fires AfterCreate and AfterSave, and returns the stored row.
	Create(ctx context.Context, record schema.Record) (schema.Record, error)
	Find(ctx context.Context, query Query) ([]schema.Record, error)
}

// Engine materializes entities from definitions.
type Engine interface {
	// Define creates the backing table when absent, binds to it otherwise, and
	// returns a handle for the entity.
	Define(ctx context.Context, def schema.Definition) (Model, error)
}

// Store is a Model that also supports primary-key addressed writes.
type Store interface {
	Model
	// Update changes an existing row and fires AfterUpdate and AfterSave.
	Update(ctx context.Context, record schema.Record) (schema.Record, error)
	// Save updates the row when its key exists and inserts it otherwise. It fires AfterSave.
	Save(ctx context.Context, record schema.Record) (schema.Record, error)
	// Delete removes a row and fires AfterDestroy with the removed values.
	Delete(ctx context.Context, record schema.Record) (schema.Record, error)
}
