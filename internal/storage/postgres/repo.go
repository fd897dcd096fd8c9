package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"jsonrel/internal/schema"
	"jsonrel/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

/*
Repo implements storage.Repository for Postgres on a pgx connection pool.

It provides:
  - DDL for tables, columns, widening and indexes, all idempotent
  - Row inserts that return the BIGSERIAL _id with RETURNING
  - Catalog reflection through information_schema for the current schema
*/
type Repo struct {
	pool *pgxpool.Pool
	echo storage.Logger
}

// New creates a pool for cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool, echo: cfg.Echo}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

func (r *Repo) Dialect() string { return "postgres" }

func (r *Repo) logSQL(query string, args []any) {
	if r.echo == nil {
		return
	}
	if len(args) == 0 {
		r.echo.Printf("sql=%q", query)
		return
	}
	r.echo.Printf("sql=%q args=%v", query, args)
}

// ApplyChange executes the statements for one change. Duplicate-object
// errors are swallowed so replays and concurrent writers converge.
func (r *Repo) ApplyChange(ctx context.Context, ch schema.Change) error {
	ddl, err := storage.PlanDDL(ch)
	if err != nil {
		return err
	}
	for _, stmt := range buildDDL(ddl) {
		r.logSQL(stmt, nil)
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			if isExists(err) {
				continue
			}
			return fmt.Errorf("postgres: %s: %w", ch, err)
		}
	}
	return nil
}

// buildDDL renders the statements for a DDL plan. It is pure so the SQL can
// be unit tested without a database.
func buildDDL(ddl storage.DDL) []string {
	var out []string
	if t := ddl.CreateTable; t != nil {
		out = append(out, buildCreateSQL(*t))
	}
	for _, ac := range ddl.AddColumns {
		out = append(out, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s`,
			pgIdent(ac.Table), buildColumnDef(ac.Column)))
	}
	if w := ddl.Widen; w != nil {
		typ := columnType(w.To)
		out = append(out, fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s`,
			pgIdent(w.Table), pgIdent(w.Column), typ, pgIdent(w.Column), typ))
	}
	for _, ix := range ddl.Indexes {
		out = append(out, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			pgIdent(ix.Name), pgIdent(ix.Table), pgIdent(ix.Column)))
	}
	return out
}

func buildCreateSQL(t storage.TableSpec) string {
	var cols []string
	if t.PrimaryKey != nil {
		cols = append(cols, fmt.Sprintf(`%s BIGSERIAL PRIMARY KEY`, pgIdent(t.PrimaryKey.Name)))
	}
	for _, c := range t.Columns {
		cols = append(cols, buildColumnDef(c))
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, pgIdent(t.Name), strings.Join(cols, ", "))
}

func buildColumnDef(c storage.ColumnSpec) string {
	def := pgIdent(c.Name) + " " + columnType(c.Type)
	if c.References != "" {
		def += fmt.Sprintf(` REFERENCES %s(%s)`, pgIdent(c.References), pgIdent(schema.IDColumn))
	}
	return def
}

func columnType(t schema.ColumnType) string {
	switch t {
	case schema.ColInteger:
		return "BIGINT"
	case schema.ColFloat:
		return "DOUBLE PRECISION"
	case schema.ColBoolean:
		return "BOOLEAN"
	case schema.ColHash:
		return "CHAR(64)"
	default:
		return "TEXT"
	}
}

// isExists reports duplicate table (42P07), duplicate column (42701),
// duplicate object (42710) and the unique violation raised by concurrent
// CREATE TABLE IF NOT EXISTS on the pg_type catalog (23505).
func isExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P07", "42701", "42710", "23505":
			return true
		}
	}
	return false
}

// Reflect lists base tables of the current schema in creation order (by
// catalog oid) with their columns and foreign keys.
func (r *Repo) Reflect(ctx context.Context) ([]schema.TableInfo, error) {
	names, err := r.queryPairs(ctx, `
SELECT c.relname, ''
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind = 'r' AND n.nspname = current_schema()
ORDER BY c.oid`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tables: %w", err)
	}

	out := make([]schema.TableInfo, 0, len(names))
	for _, n := range names {
		ti := schema.TableInfo{Name: n[0]}

		cols, err := r.queryPairs(ctx, `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`, ti.Name)
		if err != nil {
			return nil, fmt.Errorf("postgres: columns of %s: %w", ti.Name, err)
		}
		for _, c := range cols {
			ti.Columns = append(ti.Columns, schema.ColumnInfo{Name: c[0], Type: c[1]})
		}

		fks, err := r.queryPairs(ctx, `
SELECT kcu.column_name, ccu.table_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_schema = current_schema() AND tc.table_name = $1`, ti.Name)
		if err != nil {
			return nil, fmt.Errorf("postgres: foreign keys of %s: %w", ti.Name, err)
		}
		for _, fk := range fks {
			ti.ForeignKeys = append(ti.ForeignKeys, schema.ForeignKeyInfo{Column: fk[0], RefTable: fk[1]})
		}
		out = append(out, ti)
	}
	return out, nil
}

func (r *Repo) queryPairs(ctx context.Context, q string, args ...any) ([][2]string, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, err
		}
		out = append(out, [2]string{a, b})
	}
	return out, rows.Err()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *Repo) SelectWhere(ctx context.Context, q storage.Select) ([][]any, error) {
	return r.selectWhere(ctx, r.pool, q)
}

// buildSelectSQL renders a storage.Select with $1 as the only bind marker.
func buildSelectSQL(q storage.Select) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(joinIdents(q.Columns))
	b.WriteString(" FROM ")
	b.WriteString(pgIdent(q.Table))

	var args []any
	if q.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(pgIdent(q.Where))
		b.WriteString(" = $1")
		args = append(args, q.Value)
	}
	if q.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(pgIdent(q.OrderBy))
	}
	return b.String(), args
}

func (r *Repo) selectWhere(ctx context.Context, qr querier, q storage.Select) ([][]any, error) {
	if len(q.Columns) == 0 {
		return nil, fmt.Errorf("postgres: select from %s without columns", q.Table)
	}
	query, args := buildSelectSQL(q)
	r.logSQL(query, args)

	rows, err := qr.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: select %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", q.Table, err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows %s: %w", q.Table, err)
	}
	return out, nil
}

func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	return &pgTx{r: r, tx: tx}, nil
}

type pgTx struct {
	r  *Repo
	tx pgx.Tx
}

func (t *pgTx) SelectWhere(ctx context.Context, q storage.Select) ([][]any, error) {
	return t.r.selectWhere(ctx, t.tx, q)
}

func (t *pgTx) InsertRow(ctx context.Context, table string, columns []string, values []any) (int64, error) {
	query := buildInsertSQL(table, columns) + " RETURNING " + pgIdent(schema.IDColumn)
	t.r.logSQL(query, values)

	var id int64
	if err := t.tx.QueryRow(ctx, query, values...).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: insert %s: %w", table, err)
	}
	return id, nil
}

func (t *pgTx) InsertLink(ctx context.Context, table string, columns []string, values []any) error {
	query := buildInsertSQL(table, columns)
	t.r.logSQL(query, values)
	if _, err := t.tx.Exec(ctx, query, values...); err != nil {
		return fmt.Errorf("postgres: insert %s: %w", table, err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// buildInsertSQL constructs a single-row INSERT with $n placeholders. With
// no columns it inserts defaults only.
func buildInsertSQL(table string, columns []string) string {
	if len(columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", pgIdent(table))
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(")")
	return b.String()
}

// pgIdent quotes an identifier, doubling embedded quotes.
func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func joinIdents(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = pgIdent(c)
	}
	return strings.Join(q, ", ")
}

var _ storage.Repository = (*Repo)(nil)
