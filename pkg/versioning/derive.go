package versioning

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
)

// Derivation is the shadow entity derived from a source entity.
type Derivation struct {
	Definition schema.Definition
	// Identity lists the source primary-key columns kept as plain data columns.
	Identity []string
	Columns  Columns
	// Collisions lists source attributes replaced by a reserved column.
	Collisions []string
	// Warnings describes configuration problems that do not stop setup.
	Warnings []string
}

// Derive builds the shadow definition for src using the resolved options.
func Derive(src entity.Model, opts Options) (Derivation, error) {
	if src == nil {
		return Derivation{}, fmt.Errorf("%w: source entity is required", ErrInvalidOptions)
	}
	resolved, err := opts.resolve(src)
	if err != nil {
		return Derivation{}, err
	}
	return DeriveDefinition(src.Name(), src.TableName(), resolved.Schema, src.Attributes(), resolved)
}

// DeriveDefinition derives the shadow definition from an attribute schema. The
// source schema is never modified.
func DeriveDefinition(name, table, namespace string, attrs schema.Attributes, opts Options) (Derivation, error) {
	if strings.TrimSpace(name) == "" && strings.TrimSpace(table) == "" {
		return Derivation{}, fmt.Errorf("%w: source entity has neither a name nor a table", ErrInvalidOptions)
	}
	if opts.Prefix == "" {
		opts.Prefix = Defaults.Prefix
	}
	if opts.Suffix == "" {
		opts.Suffix = Defaults.Suffix
	}

	identity := attrs.PrimaryKeys()
	shadowAttrs := attrs.Clone()
	if shadowAttrs == nil {
		shadowAttrs = schema.Attributes{}
	}

	for _, key := range identity {
		attr := shadowAttrs[key]
		attr.PrimaryKey = false
		attr.AutoIncrement = false
		attr.Unique = false
		shadowAttrs[key] = attr
	}

	cols := ReservedColumns(opts.Prefix)
	var collisions []string
	for _, reserved := range reservedAttributes(cols) {
		if _, exists := shadowAttrs[reserved.Name]; exists {
			collisions = append(collisions, reserved.Name)
		}
		shadowAttrs[reserved.Name] = reserved
	}
	sort.Strings(collisions)

	var warnings []string
	for _, col := range collisions {
		warnings = append(warnings, fmt.Sprintf("source column %q is shadowed by the reserved column of the same name", col))
	}
	for _, attrName := range shadowAttrs.Names() {
		attr := shadowAttrs[attrName]
		if attr.Unique && !cols.Has(attrName) {
			warnings = append(warnings, fmt.Sprintf("column %q is unique; a second snapshot with the same value will be rejected", attrName))
		}
	}

	def := schema.Definition{
		Name:       EntityName(opts.Prefix, name),
		TableName:  TableName(opts.Prefix, opts.Suffix, table, name),
		Namespace:  namespace,
		Attributes: shadowAttrs,
	}
	if err := def.Validate(); err != nil {
		return Derivation{}, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	return Derivation{
		Definition: def,
		Identity:   identity,
		Columns:    cols,
		Collisions: collisions,
		Warnings:   warnings,
	}, nil
}

func reservedAttributes(cols Columns) []schema.Attribute {
	return []schema.Attribute{
		{
			Name:          cols.ID,
			Type:          schema.FieldTypeBigInt,
			PrimaryKey:    true,
			AutoIncrement: true,
			NotNull:       true,
		},
		{
			Name: cols.Type,
			Type: schema.FieldTypeInteger,
		},
		{
			Name:    cols.Timestamp,
			Type:    schema.FieldTypeTimestamp,
			Default: schema.Now,
		},
	}
}

// EntityName returns capitalize(prefix) + capitalize(source name).
func EntityName(prefix, source string) string {
	return capitalize(prefix) + capitalize(source)
}

// TableName returns lower(prefix)_<table>[_suffix], where table falls back to
// the lowercased entity name.
func TableName(prefix, suffix, table, entityName string) string {
	base := table
	if base == "" {
		base = strings.ToLower(entityName)
	}
	name := strings.ToLower(prefix) + "_" + base
	if suffix != "" {
		name += "_" + suffix
	}
	return name
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
