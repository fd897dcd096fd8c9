package sqlite

import (
	"context"
	"strings"
	"testing"

	"jsonrel/internal/schema"
	"jsonrel/internal/storage"
	"jsonrel/internal/storage/sqldb"
)

func TestCreateTable_PrimaryKeyAndReferences(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	stmts := d.CreateTable(storage.TableSpec{Name: "main", PrimaryKey: &storage.PrimaryKeySpec{Name: "_id"}})
	if len(stmts) != 1 || !strings.Contains(stmts[0], `CREATE TABLE IF NOT EXISTS "main"`) ||
		!strings.Contains(stmts[0], `"_id" INTEGER PRIMARY KEY AUTOINCREMENT`) {
		t.Fatalf("create main=%q", stmts)
	}

	stmts = d.CreateTable(storage.TableSpec{Name: "bridge_main_a", Columns: []storage.ColumnSpec{
		{Name: "main_id", Type: schema.ColInteger, References: "main"},
		{Name: "a_id", Type: schema.ColInteger, References: "a"},
	}})
	if strings.Contains(stmts[0], "PRIMARY KEY") {
		t.Fatalf("bridge must not have a primary key: %q", stmts[0])
	}
	if !strings.Contains(stmts[0], `"a_id" INTEGER REFERENCES "a"("_id")`) {
		t.Fatalf("bridge missing reference: %q", stmts[0])
	}
}

func TestAddColumnAndInsertSQL(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	got := d.AddColumn("a", storage.ColumnSpec{Name: "val", Type: schema.ColString})
	if len(got) != 1 || got[0] != `ALTER TABLE "a" ADD COLUMN "val" BLOB_STR` {
		t.Fatalf("add column=%q", got)
	}
	w := d.Widen(storage.WidenSpec{Table: "a", Column: "val", From: schema.ColInteger, To: schema.ColString})
	if len(w) != 4 || w[0] != `ALTER TABLE "a" ADD COLUMN "_widen_val" BLOB_STR` ||
		w[3] != `ALTER TABLE "a" RENAME COLUMN "_widen_val" TO "val"` {
		t.Fatalf("widen=%q", w)
	}
	q, scan := d.Insert("a", []string{"val", "n"}, true)
	if scan || q != `INSERT INTO "a" ("val", "n") VALUES (?, ?)` {
		t.Fatalf("insert=%q scan=%v", q, scan)
	}
	q, _ = d.Insert("a", nil, true)
	if q != `INSERT INTO "a" DEFAULT VALUES` {
		t.Fatalf("empty insert=%q", q)
	}
	if d.Ident(`we"ird`) != `"we""ird"` {
		t.Fatalf("ident quoting")
	}
}

func TestRepo_ApplyInsertSelectReflect(t *testing.T) {
	ctx := context.Background()
	repo, err := New(ctx, storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer repo.Close()

	changes := []schema.Change{
		{Kind: schema.ChangeCreateTable, Table: "main", TableKind: schema.TableMain},
		{Kind: schema.ChangeAddColumn, Table: "main", Column: schema.Column{Name: "name", Key: "name", Type: schema.ColString}},
		{Kind: schema.ChangeCreateTable, Table: "tags", TableKind: schema.TableScalar},
		{Kind: schema.ChangeAddColumn, Table: "tags", Column: schema.Column{Name: "value", Key: "value", Type: schema.ColBoolean}},
		{Kind: schema.ChangeAddRelation, Table: "main", Relation: &schema.Relation{
			Parent: "main", Key: "tags_collection", Child: "tags", Kind: schema.RelBridge,
			Bridge: "bridge_main_tags", ParentColumn: "main_id", ChildColumn: "tags_id",
		}},
	}
	for _, ch := range changes {
		if err := repo.ApplyChange(ctx, ch); err != nil {
			t.Fatalf("ApplyChange(%s): %v", ch, err)
		}
		// Replaying is harmless.
		if err := repo.ApplyChange(ctx, ch); err != nil {
			t.Fatalf("replay ApplyChange(%s): %v", ch, err)
		}
	}

	tx, err := repo.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	mainID, err := tx.InsertRow(ctx, "main", []string{"name"}, []any{"x"})
	if err != nil {
		t.Fatalf("InsertRow main: %v", err)
	}
	tagID, err := tx.InsertRow(ctx, "tags", []string{"value"}, []any{true})
	if err != nil {
		t.Fatalf("InsertRow tags: %v", err)
	}
	if err := tx.InsertLink(ctx, "bridge_main_tags", []string{"main_id", "tags_id"}, []any{mainID, tagID}); err != nil {
		t.Fatalf("InsertLink: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback after commit must be a no-op: %v", err)
	}

	rows, err := repo.SelectWhere(ctx, storage.Select{
		Table: "bridge_main_tags", Columns: []string{"tags_id"}, Where: "main_id", Value: mainID,
	})
	if err != nil || len(rows) != 1 {
		t.Fatalf("select bridge rows=%v err=%v", rows, err)
	}

	infos, err := repo.Reflect(ctx)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	m := schema.FromReflection("main", infos)
	rel, ok := m.Relation("main", "tags")
	if !ok || rel.Kind != schema.RelBridge || rel.ChildColumn != "tags_id" {
		t.Fatalf("reflected relation=%+v ok=%v (infos=%+v)", rel, ok, infos)
	}
	tags, _ := m.Table("tags")
	if tags.Kind != schema.TableScalar {
		t.Fatalf("tags kind=%s", tags.Kind)
	}
}

func TestColumnType_NoConvertingAffinity(t *testing.T) {
	t.Parallel()

	for _, typ := range []schema.ColumnType{schema.ColInteger, schema.ColFloat, schema.ColBoolean, schema.ColString} {
		decl := columnType(typ)
		for _, bad := range []string{"INT", "CHAR", "CLOB", "TEXT", "REAL", "FLOA", "DOUB"} {
			if strings.Contains(decl, bad) {
				t.Fatalf("%s declared as %q has a converting affinity", typ, decl)
			}
		}
		if !strings.Contains(decl, "BLOB") {
			t.Fatalf("%s declared as %q lacks BLOB affinity", typ, decl)
		}
	}
}

func TestRepo_WidenKeepsStoredText(t *testing.T) {
	ctx := context.Background()
	repo, err := New(ctx, storage.Config{Kind: "sqlite"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer repo.Close()

	apply := func(ch schema.Change) {
		t.Helper()
		if err := repo.ApplyChange(ctx, ch); err != nil {
			t.Fatalf("ApplyChange(%s): %v", ch, err)
		}
	}
	insert := func(v any) {
		t.Helper()
		tx, err := repo.Begin(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tx.InsertRow(ctx, "main", []string{"v"}, []any{v}); err != nil {
			t.Fatalf("InsertRow(%v): %v", v, err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatal(err)
		}
	}

	apply(schema.Change{Kind: schema.ChangeCreateTable, Table: "main", TableKind: schema.TableMain})
	apply(schema.Change{Kind: schema.ChangeAddColumn, Table: "main", Column: schema.Column{Name: "v", Key: "v", Type: schema.ColInteger}})
	insert(int64(1))
	// Before the widen the column holds integers only; a text value bound
	// to it must still come back verbatim.
	insert("1.0")
	apply(schema.Change{
		Kind:   schema.ChangeWidenColumn,
		Table:  "main",
		Column: schema.Column{Name: "v", Key: "v", Type: schema.ColString},
		From:   schema.ColInteger,
	})
	insert("007")

	rows, err := repo.SelectWhere(ctx, storage.Select{Table: "main", Columns: []string{"v"}, OrderBy: "_id"})
	if err != nil {
		t.Fatalf("SelectWhere: %v", err)
	}
	var got []any
	for _, r := range rows {
		v := r[0]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != int64(1) || got[1] != "1.0" || got[2] != "007" {
		t.Fatalf("values=%#v", got)
	}

	infos, err := repo.Reflect(ctx)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	m := schema.FromReflection("main", infos)
	root, _ := m.Table("main")
	if c, ok := root.Column("v"); !ok || c.Type != schema.ColString {
		t.Fatalf("reflected column=%+v ok=%v", c, ok)
	}
}

func TestRepo_RollbackDiscardsRows(t *testing.T) {
	ctx := context.Background()
	repo, err := New(ctx, storage.Config{Kind: "sqlite"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer repo.Close()

	if err := repo.ApplyChange(ctx, schema.Change{Kind: schema.ChangeCreateTable, Table: "main", TableKind: schema.TableMain}); err != nil {
		t.Fatal(err)
	}
	tx, err := repo.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.InsertRow(ctx, "main", nil, nil); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	rows, err := repo.SelectWhere(ctx, storage.Select{Table: "main", Columns: []string{"_id"}})
	if err != nil || len(rows) != 0 {
		t.Fatalf("rows after rollback=%v err=%v", rows, err)
	}
}

func TestBuildSelect(t *testing.T) {
	t.Parallel()

	q, args := sqldb.BuildSelect(Dialect{}, storage.Select{
		Table: "tags", Columns: []string{"_id", "value"}, Where: "value", Value: "x", OrderBy: "_id",
	})
	if q != `SELECT "_id", "value" FROM "tags" WHERE "value" = ? ORDER BY "_id"` || len(args) != 1 {
		t.Fatalf("select=%q args=%v", q, args)
	}
}
