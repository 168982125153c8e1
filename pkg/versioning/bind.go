package versioning

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
)

// HookName is the listener name a shadow table registers on its source entity.
func HookName(qualifiedShadowTable string) string {
	return "versioning:" + qualifiedShadowTable
}

// Binding is the set of listeners attached to one source entity for one shadow entity.
type Binding struct {
	source  entity.Model
	shadow  entity.Model
	name    string
	cols    Columns
	attrs   schema.Attributes
	table   string
	save    SaveEvents
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
	kinds   []entity.HookKind
}

// Bind attaches one listener per lifecycle event of src that appends a version
// row to shadow. On failure no listener stays attached.
func Bind(src, shadow entity.Model, opts Options) (*Binding, error) {
	if src == nil || shadow == nil {
		return nil, fmt.Errorf("%w: source and shadow entities are required", ErrInvalidOptions)
	}
	resolved, err := opts.resolve(src)
	if err != nil {
		return nil, err
	}

	table := schema.Qualify(shadow.Namespace(), shadow.TableName())
	b := &Binding{
		source:  src,
		shadow:  shadow,
		name:    HookName(table),
		cols:    ReservedColumns(resolved.Prefix),
		attrs:   shadow.Attributes(),
		table:   table,
		save:    resolved.SaveEvents,
		logger:  resolved.Logger.With(zap.String("source", src.TableName()), zap.String("shadow", table)),
		metrics: resolved.Metrics,
		tracer:  resolved.Tracer,
	}

	hooks := src.Hooks()
	for _, kind := range entity.HookKinds {
		if err := hooks.AddHook(kind, b.name, b.listener(kind)); err != nil {
			b.Unbind()
			return nil, fmt.Errorf("attach %s listener: %w", kind, err)
		}
		b.kinds = append(b.kinds, kind)
	}
	return b, nil
}

// Unbind detaches the listeners. Rows already written stay.
func (b *Binding) Unbind() {
	hooks := b.source.Hooks()
	for _, kind := range b.kinds {
		hooks.RemoveHook(kind, b.name)
	}
	b.kinds = nil
}

// Name returns the listener name used on the source entity.
func (b *Binding) Name() string {
	return b.name
}

func (b *Binding) listener(kind entity.HookKind) entity.HookFunc {
	vt := TypeForHook(kind)
	return func(ctx context.Context, event entity.Event) error {
		if kind == entity.AfterSave && !b.capturesSave(event) {
			return nil
		}
		return b.capture(ctx, vt, event)
	}
}

func (b *Binding) capturesSave(event entity.Event) bool {
	switch b.save {
	case SaveAlways:
		return true
	case SaveIgnore:
		return false
	default:
		return event.Standalone()
	}
}

func (b *Binding) capture(ctx context.Context, vt VersionType, event entity.Event) error {
	ctx, span := b.tracer.Start(ctx, "versioning.capture", trace.WithAttributes(
		attribute.String("versioning.table", b.table),
		attribute.String("versioning.hook", string(event.Kind)),
		attribute.Int("versioning.type", int(vt)),
	))
	defer span.End()
	started := time.Now()

	row, dropped := Snapshot(event.Record, b.attrs)
	if len(dropped) > 0 {
		b.logger.Debug("dropped fields that cannot be serialized", zap.Strings("fields", dropped))
	}
	// reserved columns always come from the shadow entity, never from the source
	delete(row, b.cols.ID)
	delete(row, b.cols.Timestamp)
	row[b.cols.Type] = int64(vt)

	_, err := b.shadow.Create(ctx, row)
	b.metrics.observe(b.table, vt, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "shadow insert failed")
		b.logger.Error("failed to write version row",
			zap.String("hook", string(event.Kind)),
			zap.Stringer("type", vt),
			zap.Error(err),
		)
		return fmt.Errorf("%w: insert into %s: %w", ErrCapture, b.table, err)
	}

	b.logger.Debug("version row written",
		zap.String("hook", string(event.Kind)),
		zap.Stringer("type", vt),
	)
	return nil
}
