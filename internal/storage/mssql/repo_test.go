package mssql

import (
	"errors"
	"strings"
	"testing"

	mssqldb "github.com/microsoft/go-mssqldb"

	"jsonrel/internal/schema"
	"jsonrel/internal/storage"
	"jsonrel/internal/storage/sqldb"
)

func TestCreateTable_GuardedIdentityKey(t *testing.T) {
	t.Parallel()

	got := Dialect{}.CreateTable(storage.TableSpec{Name: "main", PrimaryKey: &storage.PrimaryKeySpec{Name: "_id"}})
	if len(got) != 1 {
		t.Fatalf("stmts=%q", got)
	}
	s := got[0]
	if !strings.Contains(s, "IF OBJECT_ID(N'main', N'U') IS NULL") ||
		!strings.Contains(s, "[_id] BIGINT IDENTITY(1,1) PRIMARY KEY") {
		t.Fatalf("create=%q", s)
	}
}

func TestAddColumn_GuardedAndReferences(t *testing.T) {
	t.Parallel()

	got := Dialect{}.AddColumn("a", storage.ColumnSpec{Name: "main_id", Type: schema.ColInteger, References: "main"})
	s := got[0]
	if !strings.Contains(s, "IF COL_LENGTH(N'a', N'main_id') IS NULL") ||
		!strings.Contains(s, "ALTER TABLE [a] ADD [main_id] BIGINT NULL REFERENCES [main]([_id])") {
		t.Fatalf("add column=%q", s)
	}
}

func TestLiteral_EscapesQuotes(t *testing.T) {
	t.Parallel()

	if got := literal("o'brien"); got != "N'o''brien'" {
		t.Fatalf("literal=%q", got)
	}
	if got := (Dialect{}).Ident("a]b"); got != "[a]]b]" {
		t.Fatalf("ident=%q", got)
	}
}

func TestInsert_OutputInserted(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	q, scan := d.Insert("a", []string{"x", "y"}, true)
	if !scan || q != "INSERT INTO [a] ([x], [y]) OUTPUT INSERTED.[_id] VALUES (@p1, @p2)" {
		t.Fatalf("insert=%q scan=%v", q, scan)
	}
	q, scan = d.Insert("a", nil, true)
	if !scan || q != "INSERT INTO [a] OUTPUT INSERTED.[_id] DEFAULT VALUES" {
		t.Fatalf("default insert=%q scan=%v", q, scan)
	}
	q, scan = d.Insert("bridge_main_a", []string{"main_id", "a_id"}, false)
	if scan || strings.Contains(q, "OUTPUT") {
		t.Fatalf("link insert=%q scan=%v", q, scan)
	}
}

func TestWidenAndIndex(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	ddl, err := storage.PlanDDL(schema.Change{
		Kind: schema.ChangeWidenColumn, Table: "main",
		Column: schema.Column{Name: "n", Key: "n", Type: schema.ColString}, From: schema.ColInteger,
	})
	if err != nil {
		t.Fatal(err)
	}
	stmts := sqldb.Render(d, ddl)
	if len(stmts) != 1 || stmts[0] != "ALTER TABLE [main] ALTER COLUMN [n] NVARCHAR(MAX) NULL" {
		t.Fatalf("widen=%q", stmts)
	}

	ix := d.CreateIndex(storage.IndexSpec{Name: "ix_a_main_id", Table: "a", Column: "main_id"})
	if !strings.Contains(ix[0], "sys.indexes WHERE name = N'ix_a_main_id'") || !strings.Contains(ix[0], "CREATE INDEX [ix_a_main_id] ON [a] ([main_id])") {
		t.Fatalf("index=%q", ix)
	}
}

func TestIsExists(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	if !d.IsExists(mssqldb.Error{Number: 2714}) {
		t.Fatalf("2714 should count as already exists")
	}
	if d.IsExists(mssqldb.Error{Number: 547}) {
		t.Fatalf("547 is a constraint violation, not already exists")
	}
	if d.IsExists(errors.New("boom")) {
		t.Fatalf("plain error should not count as already exists")
	}
}
