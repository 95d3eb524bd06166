package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the local scalar kind of an attribute.
type Kind string

const (
	KindString     Kind = "string"
	KindInt        Kind = "int"
	KindDouble     Kind = "double"
	KindBool       Kind = "bool"
	KindDate       Kind = "date"
	KindDictionary Kind = "dictionary"
)

// remoteKinds maps lower-cased remote type names onto local kinds.
var remoteKinds = map[string]Kind{
	"string":     KindString,
	"int":        KindInt,
	"integer":    KindInt,
	"long":       KindInt,
	"reference":  KindInt,
	"double":     KindDouble,
	"float":      KindDouble,
	"decimal":    KindDouble,
	"bool":       KindBool,
	"boolean":    KindBool,
	"date":       KindDate,
	"datetime":   KindDate,
	"dictionary": KindDictionary,
}

// LocalKind maps a remote attribute scheme to a local kind. A reference
// without type information (an enum) is stored as an integer.
func LocalKind(s AttributeScheme) (Kind, error) {
	if s.Type != "" {
		k, ok := remoteKinds[strings.ToLower(s.Type)]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s.Type)
		}
		return k, nil
	}
	if s.Ref != "" {
		return KindInt, nil
	}
	return "", fmt.Errorf("%w: empty scheme", ErrUnsupportedKind)
}

// Coerce converts v into the canonical Go representation of kind:
// string, int64, float64, bool, time.Time or map[string]any. nil stays nil.
// It accepts values decoded from JSON (including json.Number) and values
// scanned from sqlite.
func Coerce(kind Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	switch kind {
	case KindString:
		switch val := v.(type) {
		case string:
			return val, nil
		case json.Number:
			return val.String(), nil
		default:
			return fmt.Sprint(val), nil
		}

	case KindInt:
		switch val := v.(type) {
		case int64:
			return val, nil
		case int:
			return int64(val), nil
		case int32:
			return int64(val), nil
		case float64:
			return integral(val)
		case bool:
			if val {
				return int64(1), nil
			}
			return int64(0), nil
		case json.Number:
			if n, err := val.Int64(); err == nil {
				return n, nil
			}
			f, err := val.Float64()
			if err != nil {
				return nil, fmt.Errorf("coerce %q to int: %w", val, err)
			}
			return integral(f)
		case string:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("coerce %q to int: %w", val, err)
			}
			return n, nil
		}

	case KindDouble:
		switch val := v.(type) {
		case float64:
			return val, nil
		case float32:
			return float64(val), nil
		case int64:
			return float64(val), nil
		case int:
			return float64(val), nil
		case json.Number:
			f, err := val.Float64()
			if err != nil {
				return nil, fmt.Errorf("coerce %q to double: %w", val, err)
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("coerce %q to double: %w", val, err)
			}
			return f, nil
		}

	case KindBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case int64:
			return val != 0, nil
		case int:
			return val != 0, nil
		case float64:
			return val != 0, nil
		case json.Number:
			return val.String() != "0", nil
		case string:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("coerce %q to bool: %w", val, err)
			}
			return b, nil
		}

	case KindDate:
		switch val := v.(type) {
		case time.Time:
			return val.UTC(), nil
		case string:
			return parseDate(val)
		}

	case KindDictionary:
		switch val := v.(type) {
		case map[string]any:
			return normalizeNumbers(val).(map[string]any), nil
		case string:
			var m map[string]any
			if err := json.Unmarshal([]byte(val), &m); err != nil {
				return nil, fmt.Errorf("coerce dictionary: %w", err)
			}
			return m, nil
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}

	return nil, fmt.Errorf("coerce %T to %s: incompatible value", v, kind)
}

// zonelessLayout is the date form some remotes emit without an offset.
// Such values are taken as UTC.
const zonelessLayout = "2006-01-02T15:04:05.999999999"

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t.UTC(), nil
	}
	if t, zerr := time.ParseInLocation(zonelessLayout, s, time.UTC); zerr == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("coerce %q to date: %w", s, err)
}

// integral converts f to int64, rejecting fractions and values out of range.
func integral(f float64) (any, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("coerce %v to int: value is not integral", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, fmt.Errorf("coerce %v to int: value out of range", f)
	}
	return int64(f), nil
}

// normalizeNumbers replaces json.Number values nested in v with float64 so
// dictionaries compare equal whichever decoder produced them.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = normalizeNumbers(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = normalizeNumbers(x)
		}
		return out
	default:
		return v
	}
}
