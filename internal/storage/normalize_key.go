package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// NormalizeKey converts a bind value to a canonical string form, suitable
// for in-memory lookup caches (e.g. "s:Germany" or "i:8429529").
//
// The type tag keeps values that a typed column would store differently
// apart; strings are kept verbatim because lookups must be exact.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return "s:" + t
	case []byte:
		return "s:" + string(t)
	case bool:
		return "b:" + strconv.FormatBool(t)
	case int64:
		return "i:" + strconv.FormatInt(t, 10)
	case int:
		return "i:" + strconv.Itoa(t)
	case float64:
		return "f:" + strconv.FormatFloat(t, 'g', -1, 64)
	case json.Number:
		return "n:" + t.String()
	default:
		return "v:" + fmt.Sprint(v)
	}
}

// EqualValue reports whether two bind values are the same under
// NormalizeKey. NULL never equals anything, as in SQL.
func EqualValue(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	return NormalizeKey(a) == NormalizeKey(b)
}
