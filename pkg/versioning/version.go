package versioning

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
)

// Shadow is the shadow entity returned by Version. It embeds the engine handle so
// version history can be queried directly.
type Shadow struct {
	entity.Model

	source     entity.Model
	derivation Derivation
	binding    *Binding
}

// Version derives the shadow entity of src, materializes it through the source
// engine, and attaches capture listeners for every lifecycle event.
//
// Calling Version again for the same source and the same resolved shadow table
// fails with ErrAlreadyVersioned. A different prefix or suffix produces an
// independent shadow entity.
func Version(ctx context.Context, src entity.Model, opts Options) (*Shadow, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source entity is required", ErrInvalidOptions)
	}
	resolved, err := opts.resolve(src)
	if err != nil {
		return nil, err
	}

	derivation, err := Derive(src, resolved)
	if err != nil {
		return nil, err
	}

	qualified := derivation.Definition.QualifiedTable()
	hooks := src.Hooks()
	for _, kind := range entity.HookKinds {
		if hooks.HasHook(kind, HookName(qualified)) {
			return nil, fmt.Errorf("%w: %s already writes to %s", ErrAlreadyVersioned, src.Name(), qualified)
		}
	}

	logger := resolved.Logger.With(zap.String("source", src.TableName()), zap.String("shadow", qualified))
	for _, warning := range derivation.Warnings {
		logger.Warn("versioning configuration warning", zap.String("detail", warning))
	}

	engine := src.Engine()
	if engine == nil {
		return nil, fmt.Errorf("%w: source entity %s has no engine", ErrSetup, src.Name())
	}
	shadowModel, err := engine.Define(ctx, derivation.Definition)
	if err != nil {
		return nil, fmt.Errorf("%w: define %s: %w", ErrSetup, qualified, err)
	}

	binding, err := Bind(src, shadowModel, resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	logger.Info("entity versioned",
		zap.String("entity", derivation.Definition.Name),
		zap.Strings("identity", derivation.Identity),
		zap.String("save_events", string(resolved.SaveEvents)),
	)

	return &Shadow{
		Model:      shadowModel,
		source:     src,
		derivation: derivation,
		binding:    binding,
	}, nil
}

// Source returns the versioned entity.
func (s *Shadow) Source() entity.Model {
	return s.source
}

// Derivation returns how the shadow schema was derived.
func (s *Shadow) Derivation() Derivation {
	return s.derivation
}

// Columns returns the reserved column names.
func (s *Shadow) Columns() Columns {
	return s.derivation.Columns
}

// Binding returns the listeners attached to the source entity.
func (s *Shadow) Binding() *Binding {
	return s.binding
}

// VersionRow is a typed view of one shadow row.
type VersionRow struct {
	ID        int64
	Type      VersionType
	Timestamp time.Time
	// Data holds the snapshot columns without the reserved columns.
	Data schema.Record
}

// History returns the version rows whose columns equal identity, oldest first.
// A nil identity returns every row.
func (s *Shadow) History(ctx context.Context, identity schema.Record) ([]VersionRow, error) {
	records, err := s.Find(ctx, entity.Query{Where: identity, OrderBy: s.derivation.Columns.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to list history of %s: %w", s.TableName(), err)
	}
	rows := make([]VersionRow, 0, len(records))
	for _, record := range records {
		row, err := s.Decode(record)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Latest returns the newest version row for identity.
func (s *Shadow) Latest(ctx context.Context, identity schema.Record) (VersionRow, error) {
	records, err := s.Find(ctx, entity.Query{Where: identity, OrderBy: s.derivation.Columns.ID, Desc: true, Limit: 1})
	if err != nil {
		return VersionRow{}, fmt.Errorf("failed to load latest version of %s: %w", s.TableName(), err)
	}
	if len(records) == 0 {
		return VersionRow{}, fmt.Errorf("%s: %w", s.TableName(), entity.ErrNotFound)
	}
	return s.Decode(records[0])
}

// Row returns the version row with the given version id.
func (s *Shadow) Row(ctx context.Context, id int64) (VersionRow, error) {
	records, err := s.Find(ctx, entity.Query{Where: schema.Record{s.derivation.Columns.ID: id}, Limit: 1})
	if err != nil {
		return VersionRow{}, fmt.Errorf("failed to load version %d of %s: %w", id, s.TableName(), err)
	}
	if len(records) == 0 {
		return VersionRow{}, fmt.Errorf("%s version %d: %w", s.TableName(), id, entity.ErrNotFound)
	}
	return s.Decode(records[0])
}

// Decode converts a raw shadow record into a VersionRow.
func (s *Shadow) Decode(record schema.Record) (VersionRow, error) {
	cols := s.derivation.Columns
	id, err := requiredInt(record, cols.ID)
	if err != nil {
		return VersionRow{}, err
	}
	vt, err := requiredInt(record, cols.Type)
	if err != nil {
		return VersionRow{}, err
	}
	row := VersionRow{
		ID:   id,
		Type: VersionType(vt),
		Data: make(schema.Record, len(record)),
	}
	if ts, err := schema.Coerce(schema.FieldTypeTimestamp, record[cols.Timestamp]); err == nil && ts != nil {
		row.Timestamp = ts.(time.Time)
	}
	for k, v := range record {
		if !cols.Has(k) {
			row.Data[k] = v
		}
	}
	return row, nil
}

func requiredInt(record schema.Record, column string) (int64, error) {
	v, err := schema.Coerce(schema.FieldTypeBigInt, record[column])
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %v: %w", column, record[column], err)
	}
	if v == nil {
		return 0, fmt.Errorf("missing %s value", column)
	}
	return v.(int64), nil
}
