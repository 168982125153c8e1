package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mohae/deepcopy"
)

// ErrInvalidDefinition is returned when an attribute set or table definition cannot be materialized.
var ErrInvalidDefinition = errors.New("invalid definition")

// FieldType represents the value type of an attribute
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeText      FieldType = "text"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeBigInt    FieldType = "bigint"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeDate      FieldType = "date"
	FieldTypeJSON      FieldType = "json"
	FieldTypeBytes     FieldType = "bytes"
	FieldTypeUUID      FieldType = "uuid"
)

var knownFieldTypes = map[FieldType]struct{}{
	FieldTypeString:    {},
	FieldTypeText:      {},
	FieldTypeInteger:   {},
	FieldTypeBigInt:    {},
	FieldTypeFloat:     {},
	FieldTypeBoolean:   {},
	FieldTypeTimestamp: {},
	FieldTypeDate:      {},
	FieldTypeJSON:      {},
	FieldTypeBytes:     {},
	FieldTypeUUID:      {},
}

// Valid reports whether the field type is one engines know how to store.
func (t FieldType) Valid() bool {
	_, ok := knownFieldTypes[t]
	return ok
}

// IsInteger reports whether values of this type are whole numbers.
func (t FieldType) IsInteger() bool {
	return t == FieldTypeInteger || t == FieldTypeBigInt
}

// IsTemporal reports whether values of this type are points in time.
func (t FieldType) IsTemporal() bool {
	return t == FieldTypeTimestamp || t == FieldTypeDate
}

type nowDefault struct{}

func (nowDefault) String() string { return "NOW" }

// Now is the Default value meaning "current time at insertion".
var Now any = nowDefault{}

// IsNow reports whether a default value is the Now sentinel.
func IsNow(v any) bool {
	_, ok := v.(nowDefault)
	return ok
}

// Attribute is one column of an entity.
type Attribute struct {
	Name          string    `json:"name"`
	Type          FieldType `json:"type"`
	PrimaryKey    bool      `json:"primaryKey,omitempty"`
	AutoIncrement bool      `json:"autoIncrement,omitempty"`
	NotNull       bool      `json:"notNull,omitempty"`
	Unique        bool      `json:"unique,omitempty"`
	Size          int       `json:"size,omitempty"`
	Default       any       `json:"default,omitempty"`
	Description   string    `json:"description,omitempty"`
}

// HasDefault reports whether the attribute carries a default value.
func (a Attribute) HasDefault() bool {
	return a.Default != nil
}

// Clone returns a deep copy of the attribute, including its default value.
func (a Attribute) Clone() Attribute {
	clone := a
	if a.Default != nil && !IsNow(a.Default) {
		clone.Default = deepcopy.Copy(a.Default)
	}
	return clone
}

// Attributes maps attribute names to definitions. Order is irrelevant.
type Attributes map[string]Attribute

// Clone deep copies every attribute.
func (as Attributes) Clone() Attributes {
	if as == nil {
		return nil
	}
	clone := make(Attributes, len(as))
	for name, attr := range as {
		clone[name] = attr.Clone()
	}
	return clone
}

// Names returns the attribute names sorted.
func (as Attributes) Names() []string {
	names := make([]string, 0, len(as))
	for name := range as {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrimaryKeys returns the sorted names flagged as primary key. An empty result is legal.
func (as Attributes) PrimaryKeys() []string {
	var keys []string
	for name, attr := range as {
		if attr.PrimaryKey {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that every attribute is usable as a column.
func (as Attributes) Validate() error {
	if len(as) == 0 {
		return fmt.Errorf("%w: no attributes", ErrInvalidDefinition)
	}
	for key, attr := range as {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: empty attribute name", ErrInvalidDefinition)
		}
		if attr.Name != "" && attr.Name != key {
			return fmt.Errorf("%w: attribute %q declared under key %q", ErrInvalidDefinition, attr.Name, key)
		}
		if !attr.Type.Valid() {
			return fmt.Errorf("%w: attribute %q has unknown type %q", ErrInvalidDefinition, key, attr.Type)
		}
		if attr.AutoIncrement && !attr.Type.IsInteger() {
			return fmt.Errorf("%w: auto-increment attribute %q must be an integer", ErrInvalidDefinition, key)
		}
		if IsNow(attr.Default) && !attr.Type.IsTemporal() {
			return fmt.Errorf("%w: attribute %q defaults to NOW but is %s", ErrInvalidDefinition, key, attr.Type)
		}
	}
	return nil
}

// Definition describes an entity to materialize in a persistence engine.
type Definition struct {
	Name       string
	TableName  string
	Namespace  string
	Attributes Attributes
}

// QualifiedTable returns namespace.table when a namespace is set.
func (d Definition) QualifiedTable() string {
	return Qualify(d.Namespace, d.TableName)
}

// Validate checks the definition before an engine materializes it.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.TableName) == "" {
		return fmt.Errorf("%w: table name is required", ErrInvalidDefinition)
	}
	if err := d.Attributes.Validate(); err != nil {
		return fmt.Errorf("table %s: %w", d.QualifiedTable(), err)
	}
	return nil
}

// Qualify joins a namespace and a table name.
func Qualify(namespace, table string) string {
	if namespace == "" {
		return table
	}
	return namespace + "." + table
}

// Record holds the field values of one row keyed by column name.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	clone := make(Record, len(r))
	for k, v := range r {
		clone[k] = v
	}
	return clone
}

// Pick returns the values of the named columns. Missing columns are skipped.
func (r Record) Pick(names ...string) Record {
	out := make(Record, len(names))
	for _, name := range names {
		if v, ok := r[name]; ok {
			out[name] = v
		}
	}
	return out
}

// DefaultValue resolves an attribute default at insertion time.
func DefaultValue(attr Attribute, now time.Time) any {
	if IsNow(attr.Default) {
		return now
	}
	return deepcopy.Copy(attr.Default)
}
