package versioning

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rpattn/versioned/pkg/entity"
)

const tracerName = "github.com/rpattn/versioned/pkg/versioning"

// VersionType is the operation code stored in the <prefix>_type column.
type VersionType int

const (
	Create VersionType = 1
	Update VersionType = 2
	Delete VersionType = 3
)

func (t VersionType) String() string {
	switch t {
	case Create:
		return "CREATE"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return fmt.Sprintf("VersionType(%d)", int(t))
	}
}

// TypeForHook maps a lifecycle event to the operation code it records.
func TypeForHook(kind entity.HookKind) VersionType {
	switch kind {
	case entity.AfterUpdate, entity.AfterSave:
		return Update
	case entity.AfterDestroy:
		return Delete
	default:
		return Create
	}
}

// SaveEvents controls how AfterSave events are captured.
type SaveEvents string

const (
	// SaveStandalone records AfterSave only for generic save calls. An AfterSave
	// that accompanies AfterCreate or AfterUpdate writes no second row.
	SaveStandalone SaveEvents = "standalone"
	// SaveAlways records every AfterSave, so a create or update that also fires
	// AfterSave produces two rows.
	SaveAlways SaveEvents = "always"
	// SaveIgnore never records AfterSave.
	SaveIgnore SaveEvents = "ignore"
)

// ParseSaveEvents parses a configuration value. Empty selects the default.
func ParseSaveEvents(value string) (SaveEvents, error) {
	switch s := SaveEvents(strings.ToLower(strings.TrimSpace(value))); s {
	case "":
		return Defaults.SaveEvents, nil
	case SaveStandalone, SaveAlways, SaveIgnore:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown save events policy %q", ErrInvalidOptions, value)
	}
}

// Options configures Version. Zero fields fall back to Defaults.
type Options struct {
	// Prefix names the reserved columns and prefixes the shadow table.
	Prefix string
	// Suffix is appended to the shadow table name when not empty.
	Suffix string
	// Schema overrides the namespace of the shadow table. Empty keeps the source namespace.
	Schema string
	// SaveEvents selects the AfterSave capture policy.
	SaveEvents SaveEvents
	Logger     *zap.Logger
	Metrics    *Metrics
	Tracer     trace.Tracer
}

// Defaults holds the fallback options. Callers may change it before calling Version.
var Defaults = Options{
	Prefix:     "version",
	Suffix:     "",
	SaveEvents: SaveStandalone,
}

// resolve applies Defaults and the source namespace.
func (o Options) resolve(src entity.Model) (Options, error) {
	out := o
	if out.Prefix == "" {
		out.Prefix = Defaults.Prefix
	}
	if strings.TrimSpace(out.Prefix) == "" {
		return Options{}, fmt.Errorf("%w: prefix is required", ErrInvalidOptions)
	}
	if strings.ContainsAny(out.Prefix, " \t\n.") {
		return Options{}, fmt.Errorf("%w: prefix %q must not contain spaces or dots", ErrInvalidOptions, out.Prefix)
	}
	if out.Suffix == "" {
		out.Suffix = Defaults.Suffix
	}
	if out.Schema == "" {
		out.Schema = Defaults.Schema
	}
	if out.Schema == "" && src != nil {
		out.Schema = src.Namespace()
	}
	if out.SaveEvents == "" {
		out.SaveEvents = Defaults.SaveEvents
	}
	if _, err := ParseSaveEvents(string(out.SaveEvents)); err != nil {
		return Options{}, err
	}
	if out.Logger == nil {
		out.Logger = Defaults.Logger
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Metrics == nil {
		out.Metrics = Defaults.Metrics
	}
	if out.Tracer == nil {
		out.Tracer = Defaults.Tracer
	}
	if out.Tracer == nil {
		out.Tracer = otel.Tracer(tracerName)
	}
	return out, nil
}

// Columns holds the reserved column names for a prefix.
type Columns struct {
	ID        string
	Type      string
	Timestamp string
}

// ReservedColumns returns <prefix>_id, <prefix>_type and <prefix>_timestamp.
func ReservedColumns(prefix string) Columns {
	return Columns{
		ID:        prefix + "_id",
		Type:      prefix + "_type",
		Timestamp: prefix + "_timestamp",
	}
}

// Names returns the reserved column names.
func (c Columns) Names() []string {
	return []string{c.ID, c.Type, c.Timestamp}
}

// Has reports whether name is one of the reserved columns.
func (c Columns) Has(name string) bool {
	return name == c.ID || name == c.Type || name == c.Timestamp
}
