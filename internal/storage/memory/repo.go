// Package memory is an in-process storage backend. It keeps committed rows
// in maps and is used for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"jsonrel/internal/schema"
	"jsonrel/internal/storage"
)

func init() {
	storage.Register("memory", func(_ context.Context, cfg storage.Config) (storage.Repository, error) {
		return New(cfg.Echo), nil
	})
}

type column struct {
	name       string
	typ        schema.ColumnType
	references string
}

type table struct {
	name    string
	hasID   bool
	columns []column
	rows    []map[string]any
}

func (t *table) column(name string) (int, bool) {
	for i, c := range t.columns {
		if c.name == name {
			return i, true
		}
	}
	return -1, false
}

// Repo implements storage.Repository in memory. Transactions see committed
// rows plus their own inserts; ids are never reused, even after rollback.
type Repo struct {
	mu     sync.RWMutex
	tables map[string]*table
	order  []string
	nextID map[string]int64
	echo   storage.Logger
}

func New(echo storage.Logger) *Repo {
	return &Repo{tables: map[string]*table{}, nextID: map[string]int64{}, echo: echo}
}

func (r *Repo) Close() {}

func (r *Repo) Dialect() string { return "memory" }

func (r *Repo) logf(format string, v ...any) {
	if r.echo != nil {
		r.echo.Printf(format, v...)
	}
}

func (r *Repo) ApplyChange(_ context.Context, ch schema.Change) error {
	ddl, err := storage.PlanDDL(ch)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logf("ddl=%q", ch.String())

	if ts := ddl.CreateTable; ts != nil {
		if _, ok := r.tables[ts.Name]; !ok {
			t := &table{name: ts.Name, hasID: ts.PrimaryKey != nil}
			for _, c := range ts.Columns {
				t.columns = append(t.columns, column{name: c.Name, typ: c.Type, references: c.References})
			}
			r.tables[ts.Name] = t
			r.order = append(r.order, ts.Name)
		}
	}
	for _, ac := range ddl.AddColumns {
		t, ok := r.tables[ac.Table]
		if !ok {
			return fmt.Errorf("memory: %s: no such table %q", ch, ac.Table)
		}
		if _, exists := t.column(ac.Column.Name); !exists {
			t.columns = append(t.columns, column{name: ac.Column.Name, typ: ac.Column.Type, references: ac.Column.References})
		}
	}
	if w := ddl.Widen; w != nil {
		t, ok := r.tables[w.Table]
		if !ok {
			return fmt.Errorf("memory: %s: no such table %q", ch, w.Table)
		}
		i, ok := t.column(w.Column)
		if !ok {
			return fmt.Errorf("memory: %s: no such column %q", ch, w.Column)
		}
		// Stored values follow the column type, as a database cast would.
		for n, row := range t.rows {
			v, err := schema.Coerce(w.To, row[w.Column])
			if err != nil {
				return fmt.Errorf("memory: %s: %w", ch, err)
			}
			nr := copyRow(row)
			nr[w.Column] = v
			t.rows[n] = nr
		}
		t.columns[i].typ = w.To
	}
	return nil
}

func (r *Repo) Reflect(context.Context) ([]schema.TableInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.TableInfo, 0, len(r.order))
	for _, n := range r.order {
		t := r.tables[n]
		ti := schema.TableInfo{Name: n}
		if t.hasID {
			ti.Columns = append(ti.Columns, schema.ColumnInfo{Name: schema.IDColumn, Type: schema.ColInteger.String()})
		}
		for _, c := range t.columns {
			ti.Columns = append(ti.Columns, schema.ColumnInfo{Name: c.name, Type: c.typ.String()})
			if c.references != "" {
				ti.ForeignKeys = append(ti.ForeignKeys, schema.ForeignKeyInfo{Column: c.name, RefTable: c.references})
			}
		}
		out = append(out, ti)
	}
	return out, nil
}

func (r *Repo) SelectWhere(_ context.Context, q storage.Select) ([][]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[q.Table]
	if !ok {
		return nil, fmt.Errorf("memory: select: no such table %q", q.Table)
	}
	return selectRows(t, t.rows, q)
}

func selectRows(t *table, rows []map[string]any, q storage.Select) ([][]any, error) {
	if len(q.Columns) == 0 {
		return nil, fmt.Errorf("memory: select from %s without columns", q.Table)
	}
	for _, c := range append([]string{q.Where, q.OrderBy}, q.Columns...) {
		if c == "" || (c == schema.IDColumn && t.hasID) {
			continue
		}
		if _, ok := t.column(c); !ok {
			return nil, fmt.Errorf("memory: select %s: no such column %q", q.Table, c)
		}
	}

	var out [][]any
	for _, row := range rows {
		if q.Where != "" && !storage.EqualValue(row[q.Where], q.Value) {
			continue
		}
		vals := make([]any, len(q.Columns))
		for i, c := range q.Columns {
			vals[i] = row[c]
		}
		out = append(out, vals)
	}
	// Rows are kept in insertion order, which is _id order.
	return out, nil
}

func (r *Repo) Begin(context.Context) (storage.Tx, error) {
	return &memTx{r: r, pending: map[string][]map[string]any{}}, nil
}

type memTx struct {
	r       *Repo
	pending map[string][]map[string]any
	done    bool
}

func (t *memTx) SelectWhere(_ context.Context, q storage.Select) ([][]any, error) {
	t.r.mu.RLock()
	defer t.r.mu.RUnlock()
	tb, ok := t.r.tables[q.Table]
	if !ok {
		return nil, fmt.Errorf("memory: select: no such table %q", q.Table)
	}
	rows := append(append([]map[string]any(nil), tb.rows...), t.pending[q.Table]...)
	return selectRows(tb, rows, q)
}

func (t *memTx) insert(table string, columns []string, values []any, withID bool) (int64, error) {
	if t.done {
		return 0, fmt.Errorf("memory: transaction already finished")
	}
	if len(columns) != len(values) {
		return 0, fmt.Errorf("memory: insert %s: %d columns, %d values", table, len(columns), len(values))
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	tb, ok := t.r.tables[table]
	if !ok {
		return 0, fmt.Errorf("memory: insert: no such table %q", table)
	}
	row := make(map[string]any, len(columns)+1)
	for i, c := range columns {
		if _, ok := tb.column(c); !ok {
			return 0, fmt.Errorf("memory: insert %s: no such column %q", table, c)
		}
		row[c] = values[i]
	}
	var id int64
	if withID && tb.hasID {
		t.r.nextID[table]++
		id = t.r.nextID[table]
		row[schema.IDColumn] = id
	}
	t.pending[table] = append(t.pending[table], row)
	t.r.logf("insert table=%s columns=%v values=%v", table, columns, values)
	return id, nil
}

func (t *memTx) InsertRow(_ context.Context, table string, columns []string, values []any) (int64, error) {
	return t.insert(table, columns, values, true)
}

func (t *memTx) InsertLink(_ context.Context, table string, columns []string, values []any) error {
	_, err := t.insert(table, columns, values, false)
	return err
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return fmt.Errorf("memory: transaction already finished")
	}
	t.done = true
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	for name, rows := range t.pending {
		tb, ok := t.r.tables[name]
		if !ok {
			return fmt.Errorf("memory: commit: table %q disappeared", name)
		}
		tb.rows = append(tb.rows, rows...)
	}
	t.pending = nil
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	t.done = true
	t.pending = nil
	return nil
}

// RowCount returns the number of committed rows in table.
func (r *Repo) RowCount(table string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

var _ storage.Repository = (*Repo)(nil)
