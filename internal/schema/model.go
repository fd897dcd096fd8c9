package schema

import (
	"fmt"
	"sort"
	"sync"
)

// TableKind tells the committer and the reconstruction how rows of a table
// relate to the document.
type TableKind int

const (
	TableMain TableKind = iota + 1
	TableObject
	TableScalar
	TableBridge
)

func (k TableKind) String() string {
	switch k {
	case TableMain:
		return "main"
	case TableObject:
		return "object"
	case TableScalar:
		return "scalar"
	case TableBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// Column is a data column. Key is the case-folded JSON key, Name the
// physical column name.
type Column struct {
	Name string
	Key  string
	Type ColumnType
}

// ForeignKey references the primary key of RefTable.
type ForeignKey struct {
	Column   string
	RefTable string
}

// Table is an immutable snapshot of one table definition. The model replaces
// tables on change instead of mutating them, so a *Table handed out stays
// valid while the schema keeps growing.
type Table struct {
	Name        string
	Kind        TableKind
	Columns     []Column
	ForeignKeys []ForeignKey
	// Hashed is set once the table carries the _hash fingerprint column.
	Hashed bool
}

// Column looks a data column up by JSON key.
func (t *Table) Column(key string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Key == key {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnByName looks a data column up by physical name.
func (t *Table) ColumnByName(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasPrimaryKey is false only for bridge tables.
func (t *Table) HasPrimaryKey() bool { return t.Kind != TableBridge }

func (t *Table) nameTaken(name string) bool {
	if name == IDColumn || name == HashColumn {
		return true
	}
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	for _, fk := range t.ForeignKeys {
		if fk.Column == name {
			return true
		}
	}
	return false
}

// freeName returns base, or base with trailing underscores until it no
// longer collides with an existing column of t.
func (t *Table) freeName(base string) string {
	n := base
	for t.nameTaken(n) {
		n += "_"
	}
	return n
}

func (t *Table) clone() *Table {
	c := *t
	c.Columns = append([]Column(nil), t.Columns...)
	c.ForeignKeys = append([]ForeignKey(nil), t.ForeignKeys...)
	return &c
}

// RelationKind selects how child rows are attached to their parent.
type RelationKind int

const (
	// RelForeignKey stores the parent id in a column of the child table.
	RelForeignKey RelationKind = iota + 1
	// RelBridge links parent and shared child rows through a bridge table.
	RelBridge
)

func (k RelationKind) String() string {
	if k == RelBridge {
		return "bridge"
	}
	return "foreign_key"
}

// Relation connects a parent table key to a child table.
type Relation struct {
	Parent string
	// Key is the case-folded JSON key as built by RelationKey; array
	// relations carry the collection marker.
	Key   string
	Child string
	Kind  RelationKind

	// Reflected relations were read back from the catalog, so Key is the
	// sanitized table name rather than the JSON key that created them.
	Reflected bool

	// FKColumn is the column on Child holding the parent id (RelForeignKey).
	FKColumn string

	// Bridge, ParentColumn and ChildColumn describe the link table (RelBridge).
	Bridge       string
	ParentColumn string
	ChildColumn  string
}

// Collection reports whether the relation reconstructs as an array.
func (r *Relation) Collection() bool { return IsCollectionKey(r.Key) }

// Name is the JSON key the relation reconstructs under.
func (r *Relation) Name() string { return Demark(r.Key) }

// Deduplicated reports whether child rows are shared between parents.
func (r *Relation) Deduplicated() bool { return r.Kind == RelBridge }

// Model is the in-memory schema: every table, column and relation known to
// exist in the database. Reads may run concurrently; writes go through Apply.
type Model struct {
	mu        sync.RWMutex
	tables    map[string]*Table
	order     []string
	relations map[string][]*Relation
}

func NewModel() *Model {
	return &Model{
		tables:    make(map[string]*Table),
		relations: make(map[string][]*Relation),
	}
}

// Table returns the current definition of name.
func (m *Model) Table(name string) (*Table, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[name]
	return t, ok
}

// Tables lists every table in creation order.
func (m *Model) Tables() []*Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Table, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.tables[n])
	}
	return out
}

// Relations lists the relations whose parent is table, in creation order.
func (m *Model) Relations(parent string) []*Relation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Relation(nil), m.relations[parent]...)
}

// Relation finds the relation from parent to the child table.
func (m *Model) Relation(parent, child string) (*Relation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relationLocked(parent, child)
}

func (m *Model) relationLocked(parent, child string) (*Relation, bool) {
	for _, r := range m.relations[parent] {
		if r.Child == child {
			return r, true
		}
	}
	return nil, false
}

// Clone returns an independent copy. Tables and relations are immutable
// and therefore shared.
func (m *Model) Clone() *Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := NewModel()
	for k, v := range m.tables {
		c.tables[k] = v
	}
	c.order = append([]string(nil), m.order...)
	for k, v := range m.relations {
		c.relations[k] = append([]*Relation(nil), v...)
	}
	return c
}

// Apply records a change. It is idempotent: changed is false when the model
// already satisfies ch, which is also how a change made concurrently by
// another writer is absorbed.
func (m *Model) Apply(ch Change) (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ch.Kind {
	case ChangeCreateTable:
		if _, ok := m.tables[ch.Table]; ok {
			return false, nil
		}
		m.putLocked(&Table{Name: ch.Table, Kind: ch.TableKind})
		return true, nil

	case ChangeAddColumn:
		t, ok := m.tables[ch.Table]
		if !ok {
			return false, fmt.Errorf("add column %s: unknown table %q", ch.Column.Name, ch.Table)
		}
		if ch.Column.Name == HashColumn {
			if t.Hashed {
				return false, nil
			}
			nt := t.clone()
			nt.Hashed = true
			m.putLocked(nt)
			return true, nil
		}
		if _, exists := t.ColumnByName(ch.Column.Name); exists {
			return false, nil
		}
		nt := t.clone()
		nt.Columns = append(nt.Columns, ch.Column)
		m.putLocked(nt)
		return true, nil

	case ChangeWidenColumn:
		t, ok := m.tables[ch.Table]
		if !ok {
			return false, fmt.Errorf("widen column %s: unknown table %q", ch.Column.Name, ch.Table)
		}
		nt := t.clone()
		for i, c := range nt.Columns {
			if c.Name != ch.Column.Name {
				continue
			}
			to := Join(c.Type, ch.Column.Type)
			if to == c.Type {
				return false, nil
			}
			nt.Columns[i].Type = to
			m.putLocked(nt)
			return true, nil
		}
		return false, fmt.Errorf("widen column: unknown column %s.%s", ch.Table, ch.Column.Name)

	case ChangeAddRelation:
		r := ch.Relation
		if r == nil {
			return false, fmt.Errorf("add relation: missing relation")
		}
		if _, ok := m.relationLocked(r.Parent, r.Child); ok {
			return false, nil
		}
		child, ok := m.tables[r.Child]
		if !ok {
			return false, fmt.Errorf("add relation %s->%s: unknown child table", r.Parent, r.Child)
		}
		switch r.Kind {
		case RelForeignKey:
			if !child.nameTaken(r.FKColumn) {
				nt := child.clone()
				nt.ForeignKeys = append(nt.ForeignKeys, ForeignKey{Column: r.FKColumn, RefTable: r.Parent})
				m.putLocked(nt)
			}
		case RelBridge:
			if _, ok := m.tables[r.Bridge]; !ok {
				m.putLocked(&Table{
					Name: r.Bridge,
					Kind: TableBridge,
					ForeignKeys: []ForeignKey{
						{Column: r.ParentColumn, RefTable: r.Parent},
						{Column: r.ChildColumn, RefTable: r.Child},
					},
				})
			}
		default:
			return false, fmt.Errorf("add relation: unknown kind %d", int(r.Kind))
		}
		rc := *r
		m.relations[r.Parent] = append(m.relations[r.Parent], &rc)
		return true, nil
	}
	return false, fmt.Errorf("apply: unknown change kind %d", int(ch.Kind))
}

func (m *Model) putLocked(t *Table) {
	if _, ok := m.tables[t.Name]; !ok {
		m.order = append(m.order, t.Name)
	}
	m.tables[t.Name] = t
}

// ChangeKind enumerates schema mutations.
type ChangeKind int

const (
	ChangeCreateTable ChangeKind = iota + 1
	ChangeAddColumn
	ChangeWidenColumn
	ChangeAddRelation
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreateTable:
		return "create_table"
	case ChangeAddColumn:
		return "add_column"
	case ChangeWidenColumn:
		return "widen_column"
	case ChangeAddRelation:
		return "add_relation"
	default:
		return "unknown"
	}
}

// Change is one additive schema mutation. Storage backends render it as
// DDL; the model records it once the DDL succeeded.
type Change struct {
	Kind      ChangeKind
	Table     string
	TableKind TableKind

	// Column is the added column, or for a widen the column with its new type.
	Column  Column
	From    ColumnType
	Indexed bool

	Relation *Relation
}

func (c Change) String() string {
	switch c.Kind {
	case ChangeCreateTable:
		return fmt.Sprintf("create_table %s (%s)", c.Table, c.TableKind)
	case ChangeAddColumn:
		return fmt.Sprintf("add_column %s.%s %s", c.Table, c.Column.Name, c.Column.Type)
	case ChangeWidenColumn:
		return fmt.Sprintf("widen_column %s.%s %s->%s", c.Table, c.Column.Name, c.From, c.Column.Type)
	case ChangeAddRelation:
		if c.Relation == nil {
			return "add_relation <nil>"
		}
		r := c.Relation
		if r.Kind == RelBridge {
			return fmt.Sprintf("add_relation %s.%s -> %s via %s", r.Parent, r.Key, r.Child, r.Bridge)
		}
		return fmt.Sprintf("add_relation %s.%s -> %s.%s", r.Parent, r.Key, r.Child, r.FKColumn)
	}
	return "unknown change"
}

// SortedKeys returns the keys of obj in byte order, which is also the
// order in which case-colliding keys overwrite each other.
func SortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
