// Package sqldb implements storage.Repository on top of database/sql. Each
// backend package supplies a Dialect and registers a factory.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"jsonrel/internal/schema"
	"jsonrel/internal/storage"
)

// Dialect renders SQL for one database. Statements returned as slices are
// executed in order.
type Dialect interface {
	Name() string
	Ident(name string) string
	// Placeholder returns the bind marker for the n-th argument (1-based).
	Placeholder(n int) string

	CreateTable(t storage.TableSpec) []string
	AddColumn(table string, c storage.ColumnSpec) []string
	Widen(w storage.WidenSpec) []string
	CreateIndex(ix storage.IndexSpec) []string

	// Insert returns the statement for one row. When returningID is set the
	// statement must yield the generated _id either as a result row
	// (scanID=true) or through sql.Result.LastInsertId.
	Insert(table string, columns []string, returningID bool) (query string, scanID bool)

	// IsExists reports whether err means the object being created is
	// already there.
	IsExists(err error) bool

	// Catalog queries. Columns and ForeignKeys take the table name as
	// their only argument.
	TablesQuery() string
	ColumnsQuery() string
	ForeignKeysQuery() string
}

// Repo implements storage.Repository for a database/sql handle.
type Repo struct {
	db   *sql.DB
	d    Dialect
	echo storage.Logger
}

func New(db *sql.DB, d Dialect, echo storage.Logger) *Repo {
	return &Repo{db: db, d: d, echo: echo}
}

func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) Dialect() string { return r.d.Name() }

// DB exposes the underlying handle for backend-specific setup.
func (r *Repo) DB() *sql.DB { return r.db }

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

// Render turns the DDL for a change into statements.
func Render(d Dialect, ddl storage.DDL) []string {
	var out []string
	if ddl.CreateTable != nil {
		out = append(out, d.CreateTable(*ddl.CreateTable)...)
	}
	for _, ac := range ddl.AddColumns {
		out = append(out, d.AddColumn(ac.Table, ac.Column)...)
	}
	if ddl.Widen != nil {
		out = append(out, d.Widen(*ddl.Widen)...)
	}
	for _, ix := range ddl.Indexes {
		out = append(out, d.CreateIndex(ix)...)
	}
	return out
}

func (r *Repo) ApplyChange(ctx context.Context, ch schema.Change) error {
	ddl, err := storage.PlanDDL(ch)
	if err != nil {
		return err
	}
	for _, stmt := range Render(r.d, ddl) {
		r.logSQL(stmt, nil)
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			if r.d.IsExists(err) {
				continue
			}
			return fmt.Errorf("%s: %s: %w", r.d.Name(), ch, err)
		}
	}
	return nil
}

// Reflect reads the catalog through the dialect's queries. Each result set
// is drained before the next query so single-connection pools do not block.
func (r *Repo) Reflect(ctx context.Context) ([]schema.TableInfo, error) {
	names, err := r.queryStrings(ctx, r.d.TablesQuery())
	if err != nil {
		return nil, fmt.Errorf("%s: list tables: %w", r.d.Name(), err)
	}

	out := make([]schema.TableInfo, 0, len(names))
	for _, n := range names {
		ti := schema.TableInfo{Name: n}

		cols, err := r.queryPairs(ctx, r.d.ColumnsQuery(), n)
		if err != nil {
			return nil, fmt.Errorf("%s: columns of %s: %w", r.d.Name(), n, err)
		}
		for _, c := range cols {
			ti.Columns = append(ti.Columns, schema.ColumnInfo{Name: c[0], Type: c[1]})
		}

		fks, err := r.queryPairs(ctx, r.d.ForeignKeysQuery(), n)
		if err != nil {
			return nil, fmt.Errorf("%s: foreign keys of %s: %w", r.d.Name(), n, err)
		}
		for _, fk := range fks {
			ti.ForeignKeys = append(ti.ForeignKeys, schema.ForeignKeyInfo{Column: fk[0], RefTable: fk[1]})
		}
		out = append(out, ti)
	}
	return out, nil
}

func (r *Repo) queryStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) queryPairs(ctx context.Context, q string, args ...any) ([][2]string, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
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

func (r *Repo) SelectWhere(ctx context.Context, q storage.Select) ([][]any, error) {
	return r.selectWhere(ctx, r.db, q)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// BuildSelect renders a storage.Select.
func BuildSelect(d Dialect, q storage.Select) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(joinIdents(d, q.Columns))
	b.WriteString(" FROM ")
	b.WriteString(d.Ident(q.Table))

	var args []any
	if q.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(d.Ident(q.Where))
		b.WriteString(" = ")
		b.WriteString(d.Placeholder(1))
		args = append(args, q.Value)
	}
	if q.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(d.Ident(q.OrderBy))
	}
	return b.String(), args
}

func (r *Repo) selectWhere(ctx context.Context, qr queryer, q storage.Select) ([][]any, error) {
	if len(q.Columns) == 0 {
		return nil, fmt.Errorf("%s: select from %s without columns", r.d.Name(), q.Table)
	}
	query, args := BuildSelect(r.d, q)
	r.logSQL(query, args)

	rows, err := qr.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: select %s: %w", r.d.Name(), q.Table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(q.Columns))
		ptrs := make([]any, len(q.Columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: begin: %w", r.d.Name(), err)
	}
	return &sqlTx{r: r, tx: tx}, nil
}

type sqlTx struct {
	r  *Repo
	tx *sql.Tx
}

func (t *sqlTx) SelectWhere(ctx context.Context, q storage.Select) ([][]any, error) {
	return t.r.selectWhere(ctx, t.tx, q)
}

func (t *sqlTx) InsertRow(ctx context.Context, table string, columns []string, values []any) (int64, error) {
	query, scanID := t.r.d.Insert(table, columns, true)
	t.r.logSQL(query, values)

	if scanID {
		var id int64
		if err := t.tx.QueryRowContext(ctx, query, values...).Scan(&id); err != nil {
			return 0, fmt.Errorf("%s: insert %s: %w", t.r.d.Name(), table, err)
		}
		return id, nil
	}
	res, err := t.tx.ExecContext(ctx, query, values...)
	if err != nil {
		return 0, fmt.Errorf("%s: insert %s: %w", t.r.d.Name(), table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: insert %s: last insert id: %w", t.r.d.Name(), table, err)
	}
	return id, nil
}

func (t *sqlTx) InsertLink(ctx context.Context, table string, columns []string, values []any) error {
	query, _ := t.r.d.Insert(table, columns, false)
	t.r.logSQL(query, values)
	if _, err := t.tx.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("%s: insert %s: %w", t.r.d.Name(), table, err)
	}
	return nil
}

func (t *sqlTx) Commit(context.Context) error { return t.tx.Commit() }

func (t *sqlTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// InsertSQL renders "INSERT INTO t (a, b) VALUES (p1, p2)" using the
// dialect's quoting and placeholders. Dialects wrap it with their own
// returning clause.
func InsertSQL(d Dialect, table string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.Ident(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(d, columns))
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i + 1))
	}
	b.WriteString(")")
	return b.String()
}

func joinIdents(d Dialect, cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = d.Ident(c)
	}
	return strings.Join(q, ", ")
}

var _ storage.Repository = (*Repo)(nil)
