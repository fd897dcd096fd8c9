package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the shape of a decoded JSON value as seen by the synthesizer.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindObject
	KindScalarArray
	KindObjectArray
	KindEmptyArray
	KindMixedArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindScalarArray:
		return "scalar-array"
	case KindObjectArray:
		return "object-array"
	case KindEmptyArray:
		return "empty-array"
	case KindMixedArray:
		return "mixed-array"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsScalar reports whether k maps to a single column.
func (k Kind) IsScalar() bool {
	switch k {
	case KindBool, KindInt, KindFloat, KindString:
		return true
	}
	return false
}

// ColumnType is the storage type of a data column.
type ColumnType int

const (
	ColInteger ColumnType = iota + 1
	ColFloat
	ColBoolean
	ColString
	// ColHash is the fixed-width fingerprint column on deduplicated object tables.
	ColHash
)

func (t ColumnType) String() string {
	switch t {
	case ColInteger:
		return "integer"
	case ColFloat:
		return "float"
	case ColBoolean:
		return "boolean"
	case ColString:
		return "string"
	case ColHash:
		return "hash"
	default:
		return "unknown"
	}
}

// Classify returns the Kind of a value produced by encoding/json (with or
// without UseNumber). Native Go numeric types are accepted as well.
func Classify(v any) Kind {
	switch x := v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case string:
		return KindString
	case json.Number:
		if numberIsInt(x) {
			return KindInt
		}
		return KindFloat
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return KindInt
	case uint64:
		if x > math.MaxInt64 {
			return KindFloat
		}
		return KindInt
	case float32, float64:
		return KindFloat
	case map[string]any:
		return KindObject
	case []any:
		return classifyArray(x)
	default:
		// Anything else is stored through its string form.
		return KindString
	}
}

func classifyArray(items []any) Kind {
	var scalars, objects, others int
	for _, it := range items {
		switch k := Classify(it); {
		case k == KindNull:
		case k.IsScalar():
			scalars++
		case k == KindObject:
			objects++
		default:
			others++
		}
	}
	switch {
	case others > 0 || (scalars > 0 && objects > 0):
		return KindMixedArray
	case scalars > 0:
		return KindScalarArray
	case objects > 0:
		return KindObjectArray
	default:
		return KindEmptyArray
	}
}

func numberIsInt(n json.Number) bool {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// ScalarType maps a scalar value to the narrowest column type that holds it.
// ok is false for nulls and non-scalars.
func ScalarType(v any) (ColumnType, bool) {
	switch Classify(v) {
	case KindBool:
		return ColBoolean, true
	case KindInt:
		return ColInteger, true
	case KindFloat:
		return ColFloat, true
	case KindString:
		return ColString, true
	}
	return 0, false
}

// Join returns the narrowest type holding values of both a and b.
// A zero ColumnType acts as the identity.
func Join(a, b ColumnType) ColumnType {
	switch {
	case a == 0:
		return b
	case b == 0 || a == b:
		return a
	case (a == ColInteger && b == ColFloat) || (a == ColFloat && b == ColInteger):
		return ColFloat
	default:
		return ColString
	}
}

// Fits reports whether a column of type col can store values of type t
// without widening.
func Fits(col, t ColumnType) bool {
	return Join(col, t) == col
}

// ArrayType joins the scalar types of every non-null element.
func ArrayType(items []any) ColumnType {
	var t ColumnType
	for _, it := range items {
		if st, ok := ScalarType(it); ok {
			t = Join(t, st)
		}
	}
	return t
}

// Coerce converts a scalar into the bind value for a column of type col.
// Values narrower than the column are widened forward (int to float,
// anything to its JSON text for string columns).
func Coerce(col ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col {
	case ColBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("coerce %T to boolean", v)
		}
		return b, nil
	case ColInteger:
		return toInt64(v)
	case ColFloat:
		return toFloat64(v)
	case ColString, ColHash:
		return scalarText(v), nil
	default:
		return nil, fmt.Errorf("coerce: unknown column type %d", int(col))
	}
}

// Decode normalizes a value read back from a driver into the Go type that
// matches col: int64, float64, bool or string.
func Decode(col ColumnType, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	switch col {
	case ColBoolean:
		switch x := raw.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		default:
			n, err := toInt64(raw)
			if err != nil {
				return nil, err
			}
			return n != 0, nil
		}
	case ColInteger:
		if s, ok := raw.(string); ok {
			return strconv.ParseInt(s, 10, 64)
		}
		return toInt64(raw)
	case ColFloat:
		if s, ok := raw.(string); ok {
			return strconv.ParseFloat(s, 64)
		}
		return toFloat64(raw)
	default:
		return scalarText(raw), nil
	}
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("coerce %d overflows integer", x)
		}
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<63 {
			return int64(x), nil
		}
	}
	return 0, fmt.Errorf("coerce %T to integer", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	default:
		n, err := toInt64(v)
		if err != nil {
			return 0, fmt.Errorf("coerce %T to float", v)
		}
		return float64(n), nil
	}
}

// scalarText is the string form used when a column has been widened to
// string: the JSON spelling of numbers and booleans.
func scalarText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}
