package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// Coerce converts a loosely typed value (decoded JSON or a database/sql driver value)
// into the canonical Go type for the field type: int64, float64, bool, string,
// time.Time, []byte, or decoded JSON for FieldTypeJSON. nil passes through.
func Coerce(t FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case FieldTypeInteger, FieldTypeBigInt:
		return toInt64(v)
	case FieldTypeFloat:
		return toFloat64(v)
	case FieldTypeBoolean:
		return toBool(v)
	case FieldTypeTimestamp, FieldTypeDate:
		return toTime(v)
	case FieldTypeString, FieldTypeText, FieldTypeUUID:
		return toString(v)
	case FieldTypeBytes:
		return toBytes(v)
	case FieldTypeJSON:
		return toJSONValue(v)
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
}

func toInt64(v any) (any, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("%v is not a whole number", n)
		}
		return int64(n), nil
	case float32:
		return toInt64(float64(n))
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		return toInt64(f)
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
	case bool:
		if n {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func toFloat64(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(n)), 64)
	default:
		i, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %T to float", v)
		}
		return float64(i.(int64)), nil
	}
}

func toBool(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(b))
	case []byte:
		return strconv.ParseBool(strings.TrimSpace(string(b)))
	default:
		i, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %T to boolean", v)
		}
		return i.(int64) != 0, nil
	}
}

func toTime(v any) (any, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case *time.Time:
		if ts == nil {
			return nil, nil
		}
		return *ts, nil
	case []byte:
		return parseTime(string(ts))
	case string:
		return parseTime(ts)
	default:
		return nil, fmt.Errorf("cannot convert %T to timestamp", v)
	}
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

func toString(v any) (any, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case json.Number:
		return s.String(), nil
	case fmt.Stringer:
		return s.String(), nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(s), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to string", v)
	}
}

func toBytes(v any) (any, error) {
	switch b := v.(type) {
	case []byte:
		return bytes.Clone(b), nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to bytes", v)
	}
}

func toJSONValue(v any) (any, error) {
	switch raw := v.(type) {
	case []byte:
		return decodeJSON(raw)
	case json.RawMessage:
		return decodeJSON(raw)
	case string:
		trimmed := strings.TrimSpace(raw)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			if decoded, err := decodeJSON([]byte(trimmed)); err == nil {
				return decoded, nil
			}
		}
		return raw, nil
	default:
		return NormalizeNumbers(v), nil
	}
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json value: %w", err)
	}
	return NormalizeNumbers(out), nil
}

// NormalizeNumbers replaces json.Number values, recursively, with int64 when the
// number is whole and float64 otherwise.
func NormalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, item := range val {
			val[k] = NormalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = NormalizeNumbers(item)
		}
		return val
	default:
		return v
	}
}
