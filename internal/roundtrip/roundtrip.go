// Package roundtrip rebuilds JSON values from imported rows and compares
// them with the documents they came from.
package roundtrip

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"jsonrel/internal/schema"
	"jsonrel/internal/storage"
)

// RowReader reads committed rows. storage.Repository satisfies it.
type RowReader interface {
	SelectWhere(ctx context.Context, q storage.Select) ([][]any, error)
}

// ToValue reconstructs the value stored as row id of table, following every
// relation of the model. Primary keys, foreign keys and fingerprints are left
// out. Rows of scalar side tables come back as the bare scalar.
func ToValue(ctx context.Context, r RowReader, m *schema.Model, table string, id int64) (any, error) {
	t, ok := m.Table(table)
	if !ok {
		return nil, fmt.Errorf("roundtrip: unknown table %q", table)
	}

	out := map[string]any{}
	if len(t.Columns) > 0 {
		names := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			names[i] = c.Name
		}
		rows, err := r.SelectWhere(ctx, storage.Select{Table: table, Columns: names, Where: schema.IDColumn, Value: id})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("roundtrip: %s row %d not found", table, id)
		}
		for i, c := range t.Columns {
			v, err := schema.Decode(c.Type, rows[0][i])
			if err != nil {
				return nil, fmt.Errorf("roundtrip: %s.%s: %w", table, c.Name, err)
			}
			if v != nil {
				out[c.Key] = v
			}
		}
	}

	if t.Kind == schema.TableScalar {
		return out[schema.ValueColumn], nil
	}

	for _, rel := range m.Relations(table) {
		ids, err := childIDs(ctx, r, rel, id)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}
		items := make([]any, 0, len(ids))
		for _, cid := range ids {
			v, err := ToValue(ctx, r, m, rel.Child, cid)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		if len(items) == 1 && !rel.Collection() {
			out[rel.Name()] = items[0]
			continue
		}
		out[rel.Name()] = items
	}
	return out, nil
}

func childIDs(ctx context.Context, r RowReader, rel *schema.Relation, parentID int64) ([]int64, error) {
	q := storage.Select{
		Table:   rel.Child,
		Columns: []string{schema.IDColumn},
		Where:   rel.FKColumn,
		Value:   parentID,
		OrderBy: schema.IDColumn,
	}
	if rel.Kind == schema.RelBridge {
		q = storage.Select{
			Table:   rel.Bridge,
			Columns: []string{rel.ChildColumn},
			Where:   rel.ParentColumn,
			Value:   parentID,
		}
	}
	rows, err := r.SelectWhere(ctx, q)
	if err != nil {
		return nil, err
	}
	return decodeIDs(q.Table, rows)
}

func decodeIDs(table string, rows [][]any) ([]int64, error) {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		v, err := schema.Decode(schema.ColInteger, row[0])
		if err != nil || v == nil {
			return nil, fmt.Errorf("roundtrip: %s: bad id %v", table, row[0])
		}
		ids = append(ids, v.(int64))
	}
	return ids, nil
}

// RootIDs lists the rows of table in insertion order.
func RootIDs(ctx context.Context, r RowReader, table string) ([]int64, error) {
	rows, err := r.SelectWhere(ctx, storage.Select{Table: table, Columns: []string{schema.IDColumn}, OrderBy: schema.IDColumn})
	if err != nil {
		return nil, err
	}
	return decodeIDs(table, rows)
}

// Normalize returns a canonical copy of v. Numbers become int64 or float64.
// With lowercase, object keys are lowercased (colliding keys keep the value
// of the last key in byte order). With sortArrays, array elements are sorted
// by their canonical text.
func Normalize(v any, lowercase, sortArrays bool) any {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(x))
		for _, k := range keys {
			nk := k
			if lowercase {
				nk = schema.ColumnKey(k)
			}
			out[nk] = Normalize(x[k], lowercase, sortArrays)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, it := range x {
			out[i] = Normalize(it, lowercase, sortArrays)
		}
		if sortArrays {
			keys := make([]string, len(out))
			for i, it := range out {
				keys[i] = sortKey(it)
			}
			sort.Stable(byKey{items: out, keys: keys})
		}
		return out
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

type byKey struct {
	items []any
	keys  []string
}

func (b byKey) Len() int           { return len(b.items) }
func (b byKey) Less(i, j int) bool { return b.keys[i] < b.keys[j] }
func (b byKey) Swap(i, j int) {
	b.items[i], b.items[j] = b.items[j], b.items[i]
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
}

// sortKey is the canonical text of a normalized value. Empty members are
// skipped and scalars use their plain text, so a value sorts the same before
// and after a round trip.
func sortKey(v any) string {
	var b strings.Builder
	writeKey(&b, v)
	return b.String()
}

func writeKey(b *strings.Builder, v any) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k, it := range x {
			if !isEmpty(it) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for _, k := range keys {
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeKey(b, x[k])
			b.WriteByte(',')
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for _, it := range x {
			if it != nil {
				writeKey(b, it)
				b.WriteByte(',')
			}
		}
		b.WriteByte(']')
	case nil:
	default:
		s, _ := scalarText(x)
		b.WriteString(strconv.Quote(s))
	}
}

func scalarText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'g', -1, 64), true
	}
	return fmt.Sprint(v), false
}

// Compare reports whether a and b hold the same data once both are
// normalized with lowercased keys.
//
// Keys present on one side only must hold an empty value there (null, empty
// array or object, array of nulls). A one-element array equals its element.
// A boolean equals any value with the same truthiness. Numbers compare by
// value, so 1 equals 1.0. A string equals a number or boolean whose JSON
// spelling it is, which is how values look after a column was widened.
// Arrays compare element by element after dropping nulls.
func Compare(a, b any) bool {
	return equal(Normalize(a, true, false), Normalize(b, true, false))
}

func equal(a, b any) bool {
	if isEmpty(a) && isEmpty(b) {
		return true
	}
	if arr, ok := a.([]any); ok && !isArray(b) {
		if items := dropNulls(arr); len(items) == 1 {
			a = items[0]
		}
	}
	if arr, ok := b.([]any); ok && !isArray(a) {
		if items := dropNulls(arr); len(items) == 1 {
			b = items[0]
		}
	}

	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok {
			return false
		}
		for k, va := range x {
			vb, ok := y[k]
			if !ok {
				if !isEmpty(va) {
					return false
				}
				continue
			}
			if !equal(va, vb) {
				return false
			}
		}
		for k, vb := range y {
			if _, ok := x[k]; !ok && !isEmpty(vb) {
				return false
			}
		}
		return true

	case []any:
		y, ok := b.([]any)
		if !ok {
			return false
		}
		xs, ys := dropNulls(x), dropNulls(y)
		if len(xs) != len(ys) {
			return false
		}
		for i := range xs {
			if !equal(xs[i], ys[i]) {
				return false
			}
		}
		return true

	case bool:
		if isArray(b) || isObject(b) {
			return false
		}
		return x == truthy(b)
	case nil:
		return isEmpty(b)
	}

	if isArray(b) || isObject(b) {
		return false
	}
	if y, ok := b.(bool); ok {
		return truthy(a) == y
	}
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return fa == fb
		}
	}
	sa, oka := scalarText(a)
	sb, okb := scalarText(b)
	return oka && okb && sa == sb
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
			return b
		}
		return x != ""
	case []any:
		return len(dropNulls(x)) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []any:
		for _, it := range x {
			if !isEmpty(it) {
				return false
			}
		}
		return true
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func dropNulls(items []any) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		if it != nil {
			out = append(out, it)
		}
	}
	return out
}
