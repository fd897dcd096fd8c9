// Package fingerprint computes the deterministic content hash used to
// deduplicate object rows.
//
// Two JSON objects receive the same fingerprint when they store the same
// rows: keys are case-folded the way columns are, null members and empty
// arrays are ignored because they produce no data, and numbers are
// canonicalized (json.Number "1" and int64(1) agree). Array order is
// significant.
//
// Output is a lowercase hex BLAKE3-256 digest (length 64).
package fingerprint

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"

	"jsonrel/internal/schema"
)

// Tags separate value kinds in the canonical stream so that "1" (string)
// and 1 (number) never collide.
const (
	tagNull   = 'z'
	tagFalse  = 'f'
	tagTrue   = 't'
	tagInt    = 'i'
	tagFloat  = 'd'
	tagString = 's'
	tagObject = 'o'
	tagArray  = 'a'
	tagEnd    = '.'
)

// Object returns the fingerprint of obj.
func Object(obj map[string]any) string {
	h := blake3.New()
	writeObject(h, obj)
	return hex.EncodeToString(h.Sum(nil))
}

// Value returns the fingerprint of any decoded JSON value.
func Value(v any) string {
	h := blake3.New()
	writeValue(h, v)
	return hex.EncodeToString(h.Sum(nil))
}

// folded applies the column key folding. Colliding keys resolve in byte
// order, last one wins.
func folded(obj map[string]any) ([]string, map[string]any) {
	out := make(map[string]any, len(obj))
	var keys []string
	for _, k := range schema.SortedKeys(obj) {
		fk := schema.ColumnKey(k)
		if _, seen := out[fk]; !seen {
			keys = append(keys, fk)
		}
		out[fk] = obj[k]
	}
	return keys, out
}

func writeObject(w io.Writer, obj map[string]any) {
	keys, vals := folded(obj)
	writeTag(w, tagObject)
	// Folding can reorder keys that were byte-sorted before.
	sort.Strings(keys)
	for _, k := range keys {
		v := vals[k]
		if empty(v) {
			continue
		}
		writeString(w, k)
		writeValue(w, v)
	}
	writeTag(w, tagEnd)
}

func writeValue(w io.Writer, v any) {
	switch t := v.(type) {
	case nil:
		writeTag(w, tagNull)
	case bool:
		if t {
			writeTag(w, tagTrue)
		} else {
			writeTag(w, tagFalse)
		}
	case string:
		writeTag(w, tagString)
		writeString(w, t)
	case map[string]any:
		writeObject(w, t)
	case []any:
		writeTag(w, tagArray)
		for _, it := range t {
			if it == nil {
				continue
			}
			writeValue(w, it)
		}
		writeTag(w, tagEnd)
	default:
		writeNumber(w, v)
	}
}

func writeNumber(w io.Writer, v any) {
	switch schema.Classify(v) {
	case schema.KindInt:
		if n, err := schema.Coerce(schema.ColInteger, v); err == nil {
			writeTag(w, tagInt)
			writeString(w, strconv.FormatInt(n.(int64), 10))
			return
		}
	case schema.KindFloat:
		if f, err := schema.Coerce(schema.ColFloat, v); err == nil {
			x := f.(float64)
			if !math.IsInf(x, 0) && !math.IsNaN(x) {
				writeTag(w, tagFloat)
				writeString(w, strconv.FormatFloat(x, 'g', -1, 64))
				return
			}
		}
	}
	if n, ok := v.(json.Number); ok {
		writeTag(w, tagString)
		writeString(w, n.String())
		return
	}
	writeTag(w, tagString)
	writeString(w, fmt.Sprint(v))
}

// empty reports values that produce no row data.
func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []any:
		for _, it := range t {
			if it != nil {
				return false
			}
		}
		return true
	}
	return false
}

func writeTag(w io.Writer, tag byte) {
	_, _ = w.Write([]byte{tag})
}

// writeString length-prefixes s so concatenations stay unambiguous.
func writeString(w io.Writer, s string) {
	_, _ = io.WriteString(w, strconv.Itoa(len(s)))
	_, _ = w.Write([]byte{':'})
	_, _ = io.WriteString(w, s)
}
