package storage

import (
	"fmt"

	"jsonrel/internal/schema"
)

// TableSpec, ColumnSpec and IndexSpec are the backend-neutral DDL shapes.
// Backends render them in their own dialect.
type TableSpec struct {
	Name       string
	PrimaryKey *PrimaryKeySpec
	Columns    []ColumnSpec
}

// PrimaryKeySpec is always an auto-generated integer key.
type PrimaryKeySpec struct {
	Name string
}

type ColumnSpec struct {
	Name string
	Type schema.ColumnType
	// References names a table whose primary key this column points to.
	References string
}

type IndexSpec struct {
	Name   string
	Table  string
	Column string
}

type AddColumnSpec struct {
	Table  string
	Column ColumnSpec
}

type WidenSpec struct {
	Table  string
	Column string
	From   schema.ColumnType
	To     schema.ColumnType
}

// DDL is everything one schema.Change needs, in execution order:
// CreateTable, AddColumns, Widen, Indexes.
type DDL struct {
	CreateTable *TableSpec
	AddColumns  []AddColumnSpec
	Widen       *WidenSpec
	Indexes     []IndexSpec
}

// PlanDDL translates a schema change into DDL shapes.
//
// Mapping:
//   - create table: table with the _id primary key only; columns follow as
//     separate changes.
//   - add column: one column; indexed columns (the _hash fingerprint) get
//     an index.
//   - foreign-key relation: FK column on the child plus an index on it.
//   - bridge relation: two-column link table plus an index on the child FK.
func PlanDDL(ch schema.Change) (DDL, error) {
	switch ch.Kind {
	case schema.ChangeCreateTable:
		return DDL{CreateTable: &TableSpec{
			Name:       ch.Table,
			PrimaryKey: &PrimaryKeySpec{Name: schema.IDColumn},
		}}, nil

	case schema.ChangeAddColumn:
		d := DDL{AddColumns: []AddColumnSpec{{
			Table:  ch.Table,
			Column: ColumnSpec{Name: ch.Column.Name, Type: ch.Column.Type},
		}}}
		if ch.Indexed {
			d.Indexes = []IndexSpec{index(ch.Table, ch.Column.Name)}
		}
		return d, nil

	case schema.ChangeWidenColumn:
		return DDL{Widen: &WidenSpec{
			Table:  ch.Table,
			Column: ch.Column.Name,
			From:   ch.From,
			To:     ch.Column.Type,
		}}, nil

	case schema.ChangeAddRelation:
		r := ch.Relation
		if r == nil {
			return DDL{}, fmt.Errorf("storage: add relation without relation")
		}
		switch r.Kind {
		case schema.RelForeignKey:
			return DDL{
				AddColumns: []AddColumnSpec{{
					Table:  r.Child,
					Column: ColumnSpec{Name: r.FKColumn, Type: schema.ColInteger, References: r.Parent},
				}},
				Indexes: []IndexSpec{index(r.Child, r.FKColumn)},
			}, nil
		case schema.RelBridge:
			return DDL{
				CreateTable: &TableSpec{
					Name: r.Bridge,
					Columns: []ColumnSpec{
						{Name: r.ParentColumn, Type: schema.ColInteger, References: r.Parent},
						{Name: r.ChildColumn, Type: schema.ColInteger, References: r.Child},
					},
				},
				Indexes: []IndexSpec{index(r.Bridge, r.ChildColumn)},
			}, nil
		}
		return DDL{}, fmt.Errorf("storage: unknown relation kind %d", int(r.Kind))
	}
	return DDL{}, fmt.Errorf("storage: unknown change kind %d", int(ch.Kind))
}

func index(table, column string) IndexSpec {
	return IndexSpec{Name: schema.IndexName(table, column), Table: table, Column: column}
}
