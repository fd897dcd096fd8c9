package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"jsonrel/internal/schema"
	"jsonrel/internal/storage"
	"jsonrel/internal/storage/sqldb"
)

func init() {
	storage.Register("mssql", New)
}

// New opens SQL Server through database/sql and the go-mssqldb "sqlserver"
// driver. Connectivity is validated with PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(16)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqldb.New(db, Dialect{}, cfg.Echo), nil
}

// Dialect renders SQL Server T-SQL. DDL is guarded with catalog checks
// because T-SQL has no IF NOT EXISTS for columns and indexes.
type Dialect struct{}

func (Dialect) Name() string { return "mssql" }

// Ident returns a bracket-quoted identifier, escaping ']' as ']]'.
func (Dialect) Ident(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

// literal quotes s as an N'...' string for catalog lookups.
func literal(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func columnType(t schema.ColumnType) string {
	switch t {
	case schema.ColInteger:
		return "BIGINT"
	case schema.ColFloat:
		return "FLOAT"
	case schema.ColBoolean:
		return "BIT"
	case schema.ColHash:
		return "NVARCHAR(64)"
	default:
		return "NVARCHAR(MAX)"
	}
}

func (d Dialect) columnDef(c storage.ColumnSpec) string {
	col := fmt.Sprintf("%s %s NULL", d.Ident(c.Name), columnType(c.Type))
	if c.References != "" {
		col += fmt.Sprintf(" REFERENCES %s(%s)", d.Ident(c.References), d.Ident(schema.IDColumn))
	}
	return col
}

// CreateTable wraps CREATE TABLE in an OBJECT_ID guard.
func (d Dialect) CreateTable(t storage.TableSpec) []string {
	var parts []string
	if t.PrimaryKey != nil {
		parts = append(parts, fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", d.Ident(t.PrimaryKey.Name)))
	}
	for _, c := range t.Columns {
		parts = append(parts, d.columnDef(c))
	}
	return []string{fmt.Sprintf(
		"IF OBJECT_ID(%s, N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		literal(t.Name), d.Ident(t.Name), strings.Join(parts, ", "),
	)}
}

func (d Dialect) AddColumn(table string, c storage.ColumnSpec) []string {
	return []string{fmt.Sprintf(
		"IF COL_LENGTH(%s, %s) IS NULL BEGIN ALTER TABLE %s ADD %s; END;",
		literal(table), literal(c.Name), d.Ident(table), d.columnDef(c),
	)}
}

func (d Dialect) Widen(w storage.WidenSpec) []string {
	return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s NULL", d.Ident(w.Table), d.Ident(w.Column), columnType(w.To))}
}

func (d Dialect) CreateIndex(ix storage.IndexSpec) []string {
	return []string{fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = %s AND object_id = OBJECT_ID(%s)) BEGIN CREATE INDEX %s ON %s (%s); END;",
		literal(ix.Name), literal(ix.Table), d.Ident(ix.Name), d.Ident(ix.Table), d.Ident(ix.Column),
	)}
}

// Insert uses OUTPUT INSERTED to return the identity value in the same
// round trip.
func (d Dialect) Insert(table string, columns []string, returningID bool) (string, bool) {
	output := ""
	if returningID {
		output = " OUTPUT INSERTED." + d.Ident(schema.IDColumn)
	}
	if len(columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s%s DEFAULT VALUES", d.Ident(table), output), returningID
	}
	cols := make([]string, len(columns))
	ph := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = d.Ident(c)
		ph[i] = d.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s)%s VALUES (%s)",
		d.Ident(table), strings.Join(cols, ", "), output, strings.Join(ph, ", ")), returningID
}

// IsExists matches "There is already an object named ..." (2714), duplicate
// column names (2705) and existing indexes (1913), which can still surface
// when another writer wins the race between the guard and the DDL.
func (Dialect) IsExists(err error) bool {
	var me mssqldb.Error
	if errors.As(err, &me) {
		switch me.Number {
		case 2714, 2705, 1913:
			return true
		}
	}
	return false
}

func (Dialect) TablesQuery() string {
	return `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = SCHEMA_NAME()
ORDER BY TABLE_NAME`
}

func (Dialect) ColumnsQuery() string {
	return `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_NAME = @p1
ORDER BY ORDINAL_POSITION`
}

func (Dialect) ForeignKeysQuery() string {
	return `SELECT pc.name, rt.name
FROM sys.foreign_key_columns fkc
JOIN sys.columns pc ON pc.object_id = fkc.parent_object_id AND pc.column_id = fkc.parent_column_id
JOIN sys.tables rt ON rt.object_id = fkc.referenced_object_id
WHERE fkc.parent_object_id = OBJECT_ID(@p1)`
}
