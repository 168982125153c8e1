package gormstore

import (
	"context"
	"database/sql/driver"
	"reflect"
	"strings"

	gschema "gorm.io/gorm/schema"

	"github.com/rpattn/versioned/pkg/schema"
)

// attributesFromSchema converts the persisted fields of a parsed GORM model.
func attributesFromSchema(s *gschema.Schema) schema.Attributes {
	attrs := make(schema.Attributes, len(s.DBNames))
	for _, field := range s.Fields {
		if field.DBName == "" {
			continue
		}
		attr := schema.Attribute{
			Name:          field.DBName,
			Type:          fieldType(field),
			PrimaryKey:    field.PrimaryKey,
			AutoIncrement: field.AutoIncrement,
			NotNull:       field.NotNull,
			Unique:        field.Unique,
			Size:          field.Size,
			Description:   field.Comment,
		}
		if attr.AutoIncrement && !attr.Type.IsInteger() {
			attr.AutoIncrement = false
		}
		if field.HasDefaultValue && field.DefaultValue != "" && !attr.AutoIncrement {
			attr.Default = defaultValue(attr.Type, field)
		}
		attrs[field.DBName] = attr
	}
	return attrs
}

func fieldType(field *gschema.Field) schema.FieldType {
	switch field.DataType {
	case gschema.Bool:
		return schema.FieldTypeBoolean
	case gschema.Int, gschema.Uint:
		if field.Size > 0 && field.Size <= 32 {
			return schema.FieldTypeInteger
		}
		return schema.FieldTypeBigInt
	case gschema.Float:
		return schema.FieldTypeFloat
	case gschema.String:
		if field.Size == 0 && strings.EqualFold(field.TagSettings["TYPE"], "text") {
			return schema.FieldTypeText
		}
		return schema.FieldTypeString
	case gschema.Time:
		return schema.FieldTypeTimestamp
	case gschema.Bytes:
		return schema.FieldTypeBytes
	}
	switch strings.ToLower(string(field.DataType)) {
	case "json", "jsonb":
		return schema.FieldTypeJSON
	case "uuid":
		return schema.FieldTypeUUID
	case "date":
		return schema.FieldTypeDate
	case "text":
		return schema.FieldTypeText
	default:
		return schema.FieldTypeString
	}
}

func defaultValue(t schema.FieldType, field *gschema.Field) any {
	raw := strings.TrimSpace(field.DefaultValue)
	lower := strings.ToLower(raw)
	if lower == "current_timestamp" || lower == "now()" {
		if t.IsTemporal() {
			return schema.Now
		}
		return nil
	}
	if field.DefaultValueInterface != nil {
		if v, err := schema.Coerce(t, field.DefaultValueInterface); err == nil {
			return v
		}
	}
	if v, err := schema.Coerce(t, strings.Trim(raw, "'")); err == nil {
		return v
	}
	return nil
}

// recordsFromValue reads rows from a struct, a pointer to one, or a slice of either.
func recordsFromValue(ctx context.Context, s *gschema.Schema, rv reflect.Value) []schema.Record {
	rv = reflect.Indirect(rv)
	switch rv.Kind() {
	case reflect.Struct:
		return []schema.Record{recordFromStruct(ctx, s, rv)}
	case reflect.Slice, reflect.Array:
		out := make([]schema.Record, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem := reflect.Indirect(rv.Index(i))
			if elem.Kind() == reflect.Struct {
				out = append(out, recordFromStruct(ctx, s, elem))
			}
		}
		return out
	default:
		return nil
	}
}

// addressedByKey reports whether rv is a struct, or a non-empty slice of structs,
// whose primary keys are all set.
func addressedByKey(ctx context.Context, s *gschema.Schema, rv reflect.Value) bool {
	if len(s.PrimaryFields) == 0 {
		return false
	}
	keyed := func(elem reflect.Value) bool {
		if elem.Kind() != reflect.Struct {
			return false
		}
		for _, field := range s.PrimaryFields {
			if _, zero := field.ValueOf(ctx, elem); zero {
				return false
			}
		}
		return true
	}
	rv = reflect.Indirect(rv)
	switch rv.Kind() {
	case reflect.Struct:
		return keyed(rv)
	case reflect.Slice, reflect.Array:
		if rv.Len() == 0 {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if !keyed(reflect.Indirect(rv.Index(i))) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func recordFromStruct(ctx context.Context, s *gschema.Schema, rv reflect.Value) schema.Record {
	record := make(schema.Record, len(s.DBNames))
	for _, field := range s.Fields {
		if field.DBName == "" {
			continue
		}
		value, _ := field.ValueOf(ctx, rv)
		record[field.DBName] = plainValue(value)
	}
	return record
}

// plainValue unwraps pointers and driver.Valuer implementations.
func plainValue(v any) any {
	if v == nil {
		return nil
	}
	if valuer, ok := v.(driver.Valuer); ok {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil
		}
		out, err := valuer.Value()
		if err != nil {
			return nil
		}
		return out
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}
