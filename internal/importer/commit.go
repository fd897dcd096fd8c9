package importer

import (
	"context"
	"fmt"

	"jsonrel/internal/fingerprint"
	"jsonrel/internal/schema"
	"jsonrel/internal/storage"
)

// RowRef identifies the root row written for a document.
type RowRef struct {
	Table string
	ID    int64
}

// Counts tallies the rows a commit wrote.
type Counts struct {
	// Rows is the number of inserted entity rows.
	Rows int
	// Reused counts shared rows found through deduplication.
	Reused int
	// Links is the number of bridge rows.
	Links int
}

func (c *Counts) add(o Counts) {
	c.Rows += o.Rows
	c.Reused += o.Reused
	c.Links += o.Links
}

// Committer writes documents into tables that the synthesizer already
// created. It never changes the schema.
//
// Deduplicated rows (scalar side tables and hashed object tables) are
// remembered per run. Ids inserted by an open transaction live in a pending
// layer until Promote or Discard, so a rolled back transaction never leaves
// dangling ids behind.
type Committer struct {
	Model *schema.Model

	committed map[string]map[string]int64
	pending   map[string]map[string]int64
	counts    Counts
}

func NewCommitter(m *schema.Model) *Committer {
	return &Committer{
		Model:     m,
		committed: map[string]map[string]int64{},
		pending:   map[string]map[string]int64{},
	}
}

// Commit writes doc as a row of table (and all of its children) inside tx.
func (c *Committer) Commit(ctx context.Context, tx storage.Tx, table string, doc map[string]any) (RowRef, error) {
	name := schema.TableName(table)
	id, err := c.insertObject(ctx, tx, name, doc, nil)
	if err != nil {
		return RowRef{}, err
	}
	return RowRef{Table: name, ID: id}, nil
}

// Promote makes the ids of the committed transaction visible to later
// transactions and returns the counts accumulated since the last call.
func (c *Committer) Promote() Counts {
	for t, m := range c.pending {
		dst := c.committed[t]
		if dst == nil {
			dst = make(map[string]int64, len(m))
			c.committed[t] = dst
		}
		for k, id := range m {
			dst[k] = id
		}
	}
	c.pending = map[string]map[string]int64{}
	out := c.counts
	c.counts = Counts{}
	return out
}

// Discard forgets everything since the last Promote.
func (c *Committer) Discard() {
	c.pending = map[string]map[string]int64{}
	c.counts = Counts{}
}

type parentLink struct {
	column string
	id     int64
}

// fold applies column key folding; colliding keys resolve in byte order,
// last one wins.
func fold(obj map[string]any) ([]string, map[string]any) {
	vals := make(map[string]any, len(obj))
	var keys []string
	for _, k := range schema.SortedKeys(obj) {
		fk := schema.ColumnKey(k)
		if _, seen := vals[fk]; !seen {
			keys = append(keys, fk)
		}
		vals[fk] = obj[k]
	}
	return keys, vals
}

func (c *Committer) table(name string) (*schema.Table, error) {
	t, ok := c.Model.Table(name)
	if !ok {
		return nil, fmt.Errorf("commit: table %q is not in the schema", name)
	}
	return t, nil
}

// insertObject inserts obj into table and then writes its relations.
func (c *Committer) insertObject(ctx context.Context, tx storage.Tx, table string, obj map[string]any, parent *parentLink) (int64, error) {
	t, err := c.table(table)
	if err != nil {
		return 0, err
	}
	keys, vals := fold(obj)

	var cols []string
	var args []any
	var nested []string
	for _, k := range keys {
		v := vals[k]
		kind := schema.Classify(v)
		switch {
		case kind == schema.KindNull, kind == schema.KindEmptyArray:
			continue
		case kind.IsScalar():
			col, ok := t.Column(k)
			if !ok {
				return 0, fmt.Errorf("commit: %s has no column for key %q", table, k)
			}
			bv, err := schema.Coerce(col.Type, v)
			if err != nil {
				return 0, fmt.Errorf("commit: %s.%s: %w", table, col.Name, err)
			}
			cols = append(cols, col.Name)
			args = append(args, bv)
		default:
			nested = append(nested, k)
		}
	}
	var hash string
	if t.Hashed {
		hash = fingerprint.Object(obj)
		cols = append(cols, schema.HashColumn)
		args = append(args, hash)
	}
	if parent != nil {
		cols = append(cols, parent.column)
		args = append(args, parent.id)
	}

	id, err := tx.InsertRow(ctx, table, cols, args)
	if err != nil {
		return 0, err
	}
	c.counts.Rows++
	if t.Hashed {
		c.remember(table, hashKey(hash), id)
	}

	for _, k := range nested {
		if err := c.relation(ctx, tx, table, id, k, vals[k]); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// relation writes the children stored under key. The relation kind decides
// the layout, not the value: a single object under a bridged key is one
// link, an array under a foreign-key relation is one child row per element.
func (c *Committer) relation(ctx context.Context, tx storage.Tx, parent string, parentID int64, key string, v any) error {
	childName := schema.TableName(key)
	rel, ok := c.Model.Relation(parent, childName)
	if !ok {
		return fmt.Errorf("commit: %s has no relation for key %q", parent, key)
	}
	child, err := c.table(rel.Child)
	if err != nil {
		return err
	}

	var items []any
	switch x := v.(type) {
	case []any:
		for _, it := range x {
			if it != nil {
				items = append(items, it)
			}
		}
	default:
		items = []any{v}
	}

	for _, it := range items {
		switch rel.Kind {
		case schema.RelForeignKey:
			link := &parentLink{column: rel.FKColumn, id: parentID}
			if obj, ok := it.(map[string]any); ok {
				if _, err := c.insertObject(ctx, tx, child.Name, obj, link); err != nil {
					return err
				}
				continue
			}
			if _, err := c.insertScalar(ctx, tx, child, it, link); err != nil {
				return err
			}

		case schema.RelBridge:
			childID, err := c.resolve(ctx, tx, child, it)
			if err != nil {
				return err
			}
			if err := tx.InsertLink(ctx, rel.Bridge, []string{rel.ParentColumn, rel.ChildColumn}, []any{parentID, childID}); err != nil {
				return err
			}
			c.counts.Links++

		default:
			return fmt.Errorf("commit: relation %s.%s has unknown kind %d", parent, key, int(rel.Kind))
		}
	}
	return nil
}

func (c *Committer) insertScalar(ctx context.Context, tx storage.Tx, t *schema.Table, v any, parent *parentLink) (int64, error) {
	col, ok := t.Column(schema.ValueColumn)
	if !ok {
		return 0, fmt.Errorf("commit: %s has no %s column", t.Name, schema.ValueColumn)
	}
	bv, err := schema.Coerce(col.Type, v)
	if err != nil {
		return 0, fmt.Errorf("commit: %s.%s: %w", t.Name, col.Name, err)
	}
	cols := []string{col.Name}
	args := []any{bv}
	if parent != nil {
		cols = append(cols, parent.column)
		args = append(args, parent.id)
	}
	id, err := tx.InsertRow(ctx, t.Name, cols, args)
	if err != nil {
		return 0, err
	}
	c.counts.Rows++
	return id, nil
}

// resolve returns the id of the shared row for v in t, inserting it when no
// equal row exists yet.
func (c *Committer) resolve(ctx context.Context, tx storage.Tx, t *schema.Table, v any) (int64, error) {
	obj, isObj := v.(map[string]any)

	switch {
	case isObj && t.Hashed:
		h := fingerprint.Object(obj)
		if id, ok, err := c.lookup(ctx, tx, t, hashKey(h), schema.HashColumn, schema.ColHash, h); err != nil || ok {
			return id, err
		}
		return c.insertObject(ctx, tx, t.Name, obj, nil)

	case isObj:
		return c.insertObject(ctx, tx, t.Name, obj, nil)

	default:
		col, ok := t.Column(schema.ValueColumn)
		if !ok {
			return 0, fmt.Errorf("commit: %s has no %s column", t.Name, schema.ValueColumn)
		}
		bv, err := schema.Coerce(col.Type, v)
		if err != nil {
			return 0, fmt.Errorf("commit: %s.%s: %w", t.Name, col.Name, err)
		}
		key := storage.NormalizeKey(bv)
		if id, ok, err := c.lookup(ctx, tx, t, key, col.Name, col.Type, bv); err != nil || ok {
			return id, err
		}
		id, err := c.insertScalar(ctx, tx, t, v, nil)
		if err != nil {
			return 0, err
		}
		c.remember(t.Name, key, id)
		return id, nil
	}
}

// lookup consults the pending layer, the committed cache and finally the
// database. Database matches are compared exactly in Go since collations
// may fold case.
func (c *Committer) lookup(ctx context.Context, tx storage.Tx, t *schema.Table, key, column string, typ schema.ColumnType, want any) (int64, bool, error) {
	if id, ok := c.pending[t.Name][key]; ok {
		c.counts.Reused++
		return id, true, nil
	}
	if id, ok := c.committed[t.Name][key]; ok {
		c.counts.Reused++
		return id, true, nil
	}

	rows, err := tx.SelectWhere(ctx, storage.Select{
		Table:   t.Name,
		Columns: []string{schema.IDColumn, column},
		Where:   column,
		Value:   want,
		OrderBy: schema.IDColumn,
	})
	if err != nil {
		return 0, false, err
	}
	for _, r := range rows {
		got, err := schema.Decode(typ, r[1])
		if err != nil || !storage.EqualValue(got, want) {
			continue
		}
		idv, err := schema.Decode(schema.ColInteger, r[0])
		if err != nil {
			return 0, false, fmt.Errorf("commit: %s: bad id %v: %w", t.Name, r[0], err)
		}
		id := idv.(int64)
		c.remember(t.Name, key, id)
		c.counts.Reused++
		return id, true, nil
	}
	return 0, false, nil
}

func (c *Committer) remember(table, key string, id int64) {
	m := c.pending[table]
	if m == nil {
		m = map[string]int64{}
		c.pending[table] = m
	}
	m[key] = id
}

func hashKey(h string) string { return "h:" + h }
