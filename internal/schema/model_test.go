package schema

import (
	"testing"
)

func TestModelApply_Idempotent(t *testing.T) {
	t.Parallel()

	m := NewModel()
	changes := []Change{
		{Kind: ChangeCreateTable, Table: "main", TableKind: TableMain},
		{Kind: ChangeAddColumn, Table: "main", Column: Column{Name: "n", Key: "n", Type: ColInteger}},
		{Kind: ChangeWidenColumn, Table: "main", Column: Column{Name: "n", Key: "n", Type: ColFloat}, From: ColInteger},
	}
	for _, ch := range changes {
		changed, err := m.Apply(ch)
		if err != nil || !changed {
			t.Fatalf("first Apply(%s): changed=%v err=%v", ch, changed, err)
		}
	}
	for _, ch := range changes {
		changed, err := m.Apply(ch)
		if err != nil || changed {
			t.Fatalf("replayed Apply(%s): changed=%v err=%v", ch, changed, err)
		}
	}
}

func TestModel_TablesAreSnapshots(t *testing.T) {
	t.Parallel()

	m := NewModel()
	if _, err := m.Apply(Change{Kind: ChangeCreateTable, Table: "main", TableKind: TableMain}); err != nil {
		t.Fatal(err)
	}
	before, _ := m.Table("main")
	if _, err := m.Apply(Change{Kind: ChangeAddColumn, Table: "main", Column: Column{Name: "a", Key: "a", Type: ColString}}); err != nil {
		t.Fatal(err)
	}
	if len(before.Columns) != 0 {
		t.Fatalf("earlier snapshot was mutated: %+v", before.Columns)
	}
	after, _ := m.Table("main")
	if len(after.Columns) != 1 {
		t.Fatalf("new snapshot missing column: %+v", after.Columns)
	}
}

func TestModelClone_IsIndependent(t *testing.T) {
	t.Parallel()

	m := NewModel()
	_, _ = m.Apply(Change{Kind: ChangeCreateTable, Table: "main", TableKind: TableMain})
	c := m.Clone()
	_, _ = c.Apply(Change{Kind: ChangeCreateTable, Table: "x", TableKind: TableObject})
	if _, ok := m.Table("x"); ok {
		t.Fatalf("clone change leaked into original")
	}
}

func TestFromReflection(t *testing.T) {
	t.Parallel()

	infos := []TableInfo{
		{Name: "main", Columns: []ColumnInfo{{Name: "_id", Type: "INTEGER"}, {Name: "name", Type: "VARCHAR"}}},
		{
			Name: "owner",
			Columns: []ColumnInfo{
				{Name: "_id", Type: "INTEGER"}, {Name: "age", Type: "BIGINT"}, {Name: "main_id", Type: "INTEGER"},
			},
			ForeignKeys: []ForeignKeyInfo{{Column: "main_id", RefTable: "main"}},
		},
		{Name: "tags", Columns: []ColumnInfo{{Name: "_id", Type: "INTEGER"}, {Name: "value", Type: "tinyint(1)"}}},
		{
			Name:    "bridge_main_tags",
			Columns: []ColumnInfo{{Name: "main_id", Type: "INTEGER"}, {Name: "tags_id", Type: "INTEGER"}},
			// Catalogs do not promise an order; the column position decides.
			ForeignKeys: []ForeignKeyInfo{{Column: "tags_id", RefTable: "tags"}, {Column: "main_id", RefTable: "main"}},
		},
		{
			Name:    "items",
			Columns: []ColumnInfo{{Name: "_id", Type: "INTEGER"}, {Name: "_hash", Type: "CHAR(64)"}, {Name: "price", Type: "DOUBLE PRECISION"}},
		},
	}

	m := FromReflection("main", infos)

	mainT := mustTable(t, m, "main")
	if mainT.Kind != TableMain {
		t.Fatalf("main kind=%s", mainT.Kind)
	}
	if c, _ := mainT.Column("name"); c.Type != ColString {
		t.Fatalf("main.name=%+v", c)
	}

	tags := mustTable(t, m, "tags")
	if tags.Kind != TableScalar {
		t.Fatalf("tags kind=%s want scalar", tags.Kind)
	}
	if c, _ := tags.Column("value"); c.Type != ColBoolean {
		t.Fatalf("tags.value=%+v", c)
	}

	items := mustTable(t, m, "items")
	if !items.Hashed || items.Kind != TableObject {
		t.Fatalf("items=%+v", items)
	}
	if c, _ := items.Column("price"); c.Type != ColFloat {
		t.Fatalf("items.price=%+v", c)
	}

	owner, ok := m.Relation("main", "owner")
	if !ok || owner.Kind != RelForeignKey || owner.FKColumn != "main_id" || owner.Collection() {
		t.Fatalf("owner relation=%+v ok=%v", owner, ok)
	}
	if _, ok := mustTable(t, m, "owner").Column("main_id"); ok {
		t.Fatalf("foreign key column reflected as data column")
	}

	rel, ok := m.Relation("main", "tags")
	if !ok || rel.Kind != RelBridge || rel.ParentColumn != "main_id" || rel.ChildColumn != "tags_id" || rel.Key != "tags_collection" {
		t.Fatalf("tags relation=%+v ok=%v", rel, ok)
	}

	// Re-synthesizing a document of the same shape is a no-op.
	s := &Synthesizer{Model: m}
	plan := ensure(t, s, "main", `{"name": "x", "owner": {"age": 3}, "tags": [true]}`)
	if len(plan.Changes) != 0 {
		t.Fatalf("reflected schema not recognised: %v", plan.Changes)
	}
}

func TestFromReflection_SanitizedAndMarkedTableNames(t *testing.T) {
	t.Parallel()

	infos := []TableInfo{
		{Name: "main", Columns: []ColumnInfo{{Name: "_id", Type: "INTEGER"}}},
		{
			Name:        "first_name",
			Columns:     []ColumnInfo{{Name: "_id", Type: "INTEGER"}, {Name: "v", Type: "VARCHAR"}, {Name: "main_id", Type: "INTEGER"}},
			ForeignKeys: []ForeignKeyInfo{{Column: "main_id", RefTable: "main"}},
		},
		{
			Name:        "x_collection",
			Columns:     []ColumnInfo{{Name: "_id", Type: "INTEGER"}, {Name: "a", Type: "BIGINT"}, {Name: "main_id", Type: "INTEGER"}},
			ForeignKeys: []ForeignKeyInfo{{Column: "main_id", RefTable: "main"}},
		},
	}
	m := FromReflection("main", infos)

	x, ok := m.Relation("main", "x_collection")
	if !ok || x.Collection() || x.Name() != "x_collection" || !x.Reflected {
		t.Fatalf("x_collection relation=%+v ok=%v", x, ok)
	}

	// Keys that sanitize to a reflected table keep using it.
	s := &Synthesizer{Model: m}
	plan := ensure(t, s, "main", `{"First Name": {"v": "a"}, "x_collection": {"a": 1}}`)
	if len(plan.Changes) != 0 {
		t.Fatalf("reflected schema not recognised: %v", plan.Changes)
	}
}
