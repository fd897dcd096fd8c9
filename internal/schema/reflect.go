package schema

import (
	"sort"
	"strings"
)

// ColumnInfo is a column as reported by the database catalog.
type ColumnInfo struct {
	Name string
	Type string
}

// ForeignKeyInfo is a single-column foreign key from the catalog.
type ForeignKeyInfo struct {
	Column   string
	RefTable string
}

// TableInfo is a reflected table. Columns are in ordinal order.
type TableInfo struct {
	Name        string
	Columns     []ColumnInfo
	ForeignKeys []ForeignKeyInfo
}

// ParseColumnType maps a declared SQL type back to a ColumnType.
func ParseColumnType(decl string) ColumnType {
	d := strings.ToUpper(strings.TrimSpace(decl))
	switch {
	case strings.Contains(d, "BOOL"), d == "BIT", strings.HasPrefix(d, "TINYINT(1)"):
		return ColBoolean
	case strings.Contains(d, "INT"):
		return ColInteger
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"),
		strings.Contains(d, "NUMERIC"), strings.Contains(d, "DECIMAL"):
		return ColFloat
	default:
		return ColString
	}
}

// FromReflection rebuilds a model from catalog information so that an import
// can continue into an existing database. Relation keys are recovered from
// table names; keys that were sanitized when the tables were created come
// back in their sanitized form and match any key that sanitizes to them.
func FromReflection(root string, infos []TableInfo) *Model {
	m := NewModel()

	isBridge := func(ti TableInfo) bool {
		if !strings.HasPrefix(ti.Name, BridgePrefix) || len(ti.ForeignKeys) != 2 {
			return false
		}
		for _, c := range ti.Columns {
			if c.Name == IDColumn {
				return false
			}
		}
		return true
	}

	// Entity tables first so relations can reference them.
	for _, ti := range infos {
		if isBridge(ti) {
			continue
		}
		fkCols := make(map[string]bool, len(ti.ForeignKeys))
		for _, fk := range ti.ForeignKeys {
			fkCols[fk.Column] = true
		}
		t := &Table{Name: ti.Name}
		for _, c := range ti.Columns {
			switch {
			case c.Name == IDColumn:
			case c.Name == HashColumn:
				t.Hashed = true
			case fkCols[c.Name]:
			default:
				t.Columns = append(t.Columns, Column{Name: c.Name, Key: c.Name, Type: ParseColumnType(c.Type)})
			}
		}
		switch {
		case ti.Name == root:
			t.Kind = TableMain
		case len(t.Columns) == 1 && t.Columns[0].Name == ValueColumn && !t.Hashed:
			t.Kind = TableScalar
		default:
			t.Kind = TableObject
		}
		m.putLocked(t)
	}

	for _, ti := range infos {
		if isBridge(ti) {
			continue
		}
		child := m.tables[ti.Name]
		for _, fk := range orderedForeignKeys(ti) {
			if _, ok := m.tables[fk.RefTable]; !ok {
				continue
			}
			key := RelationKey(ti.Name, child.Kind == TableScalar)
			child = m.tables[ti.Name].clone()
			child.ForeignKeys = append(child.ForeignKeys, ForeignKey{Column: fk.Column, RefTable: fk.RefTable})
			m.putLocked(child)
			m.relations[fk.RefTable] = append(m.relations[fk.RefTable], &Relation{
				Parent:    fk.RefTable,
				Key:       key,
				Child:     ti.Name,
				Kind:      RelForeignKey,
				FKColumn:  fk.Column,
				Reflected: true,
			})
		}
	}

	for _, ti := range infos {
		if !isBridge(ti) {
			continue
		}
		fks := orderedForeignKeys(ti)
		parent, child := fks[0], fks[1]
		if _, ok := m.tables[parent.RefTable]; !ok {
			continue
		}
		if _, ok := m.tables[child.RefTable]; !ok {
			continue
		}
		m.putLocked(&Table{
			Name: ti.Name,
			Kind: TableBridge,
			ForeignKeys: []ForeignKey{
				{Column: parent.Column, RefTable: parent.RefTable},
				{Column: child.Column, RefTable: child.RefTable},
			},
		})
		m.relations[parent.RefTable] = append(m.relations[parent.RefTable], &Relation{
			Parent:       parent.RefTable,
			Key:          CollectionKey(child.RefTable),
			Child:        child.RefTable,
			Kind:         RelBridge,
			Bridge:       ti.Name,
			ParentColumn: parent.Column,
			ChildColumn:  child.Column,
			Reflected:    true,
		})
	}
	return m
}

// orderedForeignKeys sorts foreign keys by the ordinal position of their
// column; bridge tables are created parent column first.
func orderedForeignKeys(ti TableInfo) []ForeignKeyInfo {
	pos := make(map[string]int, len(ti.Columns))
	for i, c := range ti.Columns {
		pos[c.Name] = i
	}
	out := append([]ForeignKeyInfo(nil), ti.ForeignKeys...)
	sort.SliceStable(out, func(i, j int) bool { return pos[out[i].Column] < pos[out[j].Column] })
	return out
}
