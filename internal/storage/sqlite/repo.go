package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"jsonrel/internal/schema"
	"jsonrel/internal/storage"
	"jsonrel/internal/storage/sqldb"
)

func init() {
	storage.Register("sqlite", New)
}

// New opens a SQLite database through modernc.org/sqlite.
//
// The pool is pinned to one connection: SQLite serializes writers anyway,
// and an in-memory database (":memory:") only exists on the connection that
// created it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	dsn := cfg.DSN
	if strings.TrimSpace(dsn) == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// REFERENCES clauses are only enforced with foreign_keys on.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	return sqldb.New(db, Dialect{}, cfg.Echo), nil
}

// Dialect renders SQLite SQL.
//
// Data columns are declared with BLOB affinity so SQLite never converts a
// bound value: a string "007" stays a string even in a column that started
// out holding integers. The logical type lives in the declared type name
// (see declTypes) and is mapped back for reflection by ColumnsQuery.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Ident(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (Dialect) Placeholder(int) string { return "?" }

// declTypes pairs the declared type of each data column with the type name
// reported back to reflection. None of the declared names contain INT, CHAR,
// CLOB, TEXT, REAL, FLOA or DOUB, which would give the column a converting
// affinity.
var declTypes = []struct {
	typ      schema.ColumnType
	decl     string
	reflects string
}{
	{schema.ColInteger, "BLOB_I64", "BIGINT"},
	{schema.ColFloat, "BLOB_F64", "DOUBLE"},
	{schema.ColBoolean, "BLOB_BOOL", "BOOLEAN"},
	{schema.ColString, "BLOB_STR", "VARCHAR"},
}

func columnType(t schema.ColumnType) string {
	if t == schema.ColHash {
		return "VARCHAR(64)"
	}
	for _, dt := range declTypes {
		if dt.typ == t {
			return dt.decl
		}
	}
	return "BLOB_STR"
}

func (d Dialect) columnDef(c storage.ColumnSpec) string {
	if c.References != "" {
		return fmt.Sprintf("%s INTEGER REFERENCES %s(%s)", d.Ident(c.Name), d.Ident(c.References), d.Ident(schema.IDColumn))
	}
	return fmt.Sprintf("%s %s", d.Ident(c.Name), columnType(c.Type))
}

func (d Dialect) CreateTable(t storage.TableSpec) []string {
	var parts []string
	if t.PrimaryKey != nil {
		// INTEGER PRIMARY KEY aliases the rowid and auto-generates values.
		parts = append(parts, fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", d.Ident(t.PrimaryKey.Name)))
	}
	for _, c := range t.Columns {
		parts = append(parts, d.columnDef(c))
	}
	return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", d.Ident(t.Name), strings.Join(parts, ",\n  "))}
}

func (d Dialect) AddColumn(table string, c storage.ColumnSpec) []string {
	return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Ident(table), d.columnDef(c))}
}

// Widen rebuilds the column under its new declared type. SQLite cannot alter
// a column type in place, so the values are copied into a fresh column that
// then takes the old name; BLOB affinity keeps every copied value as stored.
func (d Dialect) Widen(w storage.WidenSpec) []string {
	table := d.Ident(w.Table)
	col := d.Ident(w.Column)
	tmp := d.Ident("_widen_" + w.Column)
	return []string{
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, tmp, columnType(w.To)),
		fmt.Sprintf("UPDATE %s SET %s = %s", table, tmp, col),
		fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, col),
		fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", table, tmp, col),
	}
}

func (d Dialect) CreateIndex(ix storage.IndexSpec) []string {
	return []string{fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", d.Ident(ix.Name), d.Ident(ix.Table), d.Ident(ix.Column))}
}

func (d Dialect) Insert(table string, columns []string, _ bool) (string, bool) {
	if len(columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", d.Ident(table)), false
	}
	return sqldb.InsertSQL(d, table, columns), false
}

func (Dialect) IsExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists")
}

func (Dialect) TablesQuery() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY rowid`
}

var columnsQuery = func() string {
	var b strings.Builder
	b.WriteString("SELECT name, CASE type")
	for _, dt := range declTypes {
		fmt.Fprintf(&b, " WHEN '%s' THEN '%s'", dt.decl, dt.reflects)
	}
	b.WriteString(" ELSE type END FROM pragma_table_info(?) ORDER BY cid")
	return b.String()
}()

func (Dialect) ColumnsQuery() string { return columnsQuery }

func (Dialect) ForeignKeysQuery() string {
	return `SELECT "from", "table" FROM pragma_foreign_key_list(?)`
}
