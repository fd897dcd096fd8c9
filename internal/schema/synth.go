package schema

import (
	"context"
	"fmt"
	"sync"
)

// Migrator executes schema changes against a database. Implementations
// must treat changes that already exist as success.
type Migrator interface {
	ApplyChange(ctx context.Context, ch Change) error
}

// Plan is the set of changes one document requires.
type Plan struct {
	Table     string
	Changes   []Change
	Widenings []Widening
}

// Synthesizer grows the Model so that documents fit it.
//
// In the default mode every array is stored through a bridge table and its
// elements are deduplicated; single nested objects hang off their parent
// through a foreign key. Simple mode uses foreign keys for arrays too and
// never shares rows.
type Synthesizer struct {
	Model  *Model
	Simple bool

	mu sync.Mutex
}

// Plan computes the changes needed to store doc into table without touching
// the model. A shape conflict rejects the document as a whole.
func (s *Synthesizer) Plan(table string, doc map[string]any, docIndex int) (Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan(table, doc, docIndex)
}

func (s *Synthesizer) plan(table string, doc map[string]any, docIndex int) (Plan, error) {
	p := &planner{m: s.Model.Clone(), simple: s.Simple, doc: docIndex}
	name := TableName(table)
	p.plan.Table = name

	if t, ok := p.m.Table(name); ok {
		if t.Kind != TableMain && t.Kind != TableObject {
			return Plan{}, p.conflict("$", "table %q holds %s rows", name, t.Kind)
		}
	} else if err := p.apply(Change{Kind: ChangeCreateTable, Table: name, TableKind: TableMain}); err != nil {
		return Plan{}, err
	}

	if err := p.object(name, doc, "$"); err != nil {
		return Plan{}, err
	}
	return p.plan, nil
}

// Ensure plans doc and executes each change through mig, recording it in
// the model as soon as the database accepted it. It returns the table the
// document's root row belongs to.
func (s *Synthesizer) Ensure(ctx context.Context, mig Migrator, table string, doc map[string]any, docIndex int) (*Table, Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.plan(table, doc, docIndex)
	if err != nil {
		return nil, plan, err
	}
	for _, ch := range plan.Changes {
		if err := ctx.Err(); err != nil {
			return nil, plan, err
		}
		if err := mig.ApplyChange(ctx, ch); err != nil {
			if ch.Kind == ChangeWidenColumn {
				return nil, plan, fmt.Errorf("document %d: widen %s.%s: %w: %w", docIndex, ch.Table, ch.Column.Name, ErrTypeWiden, err)
			}
			return nil, plan, fmt.Errorf("document %d: %s: %w", docIndex, ch, err)
		}
		if _, err := s.Model.Apply(ch); err != nil {
			return nil, plan, fmt.Errorf("document %d: record %s: %w", docIndex, ch, err)
		}
	}
	t, ok := s.Model.Table(plan.Table)
	if !ok {
		return nil, plan, fmt.Errorf("document %d: table %q missing after ensure", docIndex, plan.Table)
	}
	return t, plan, nil
}

type planner struct {
	m      *Model
	simple bool
	doc    int
	plan   Plan
}

func (p *planner) apply(ch Change) error {
	changed, err := p.m.Apply(ch)
	if err != nil {
		return err
	}
	if changed {
		p.plan.Changes = append(p.plan.Changes, ch)
	}
	return nil
}

func (p *planner) conflict(path, format string, args ...any) error {
	return &ShapeError{Doc: p.doc, Path: path, Reason: fmt.Sprintf(format, args...)}
}

func (p *planner) object(table string, obj map[string]any, path string) error {
	for _, k := range SortedKeys(obj) {
		v := obj[k]
		key := ColumnKey(k)
		at := path + "." + k

		switch kind := Classify(v); {
		case kind == KindNull, kind == KindEmptyArray:
			continue

		case kind.IsScalar():
			st, _ := ScalarType(v)
			if err := p.column(table, key, st, at); err != nil {
				return err
			}

		case kind == KindObject:
			rel, err := p.relation(table, key, TableObject, false, at)
			if err != nil {
				return err
			}
			if err := p.object(rel.Child, v.(map[string]any), at); err != nil {
				return err
			}

		case kind == KindObjectArray:
			rel, err := p.relation(table, key, TableObject, true, at)
			if err != nil {
				return err
			}
			for i, it := range v.([]any) {
				child, ok := it.(map[string]any)
				if !ok {
					continue
				}
				if err := p.object(rel.Child, child, fmt.Sprintf("%s[%d]", at, i)); err != nil {
					return err
				}
			}

		case kind == KindScalarArray:
			rel, err := p.relation(table, key, TableScalar, true, at)
			if err != nil {
				return err
			}
			if err := p.column(rel.Child, ValueColumn, ArrayType(v.([]any)), at); err != nil {
				return err
			}

		default:
			return p.conflict(at, "array mixes objects, scalars or nested arrays")
		}
	}
	return nil
}

func (p *planner) column(table, key string, typ ColumnType, path string) error {
	t, _ := p.m.Table(table)
	for _, r := range p.m.Relations(table) {
		if r.Name() == key {
			return p.conflict(path, "key %q of table %q is a relation to %q, got a %s value", key, table, r.Child, typ)
		}
	}

	if c, ok := t.Column(key); ok {
		if Fits(c.Type, typ) {
			return nil
		}
		to := Join(c.Type, typ)
		p.plan.Widenings = append(p.plan.Widenings, Widening{
			Doc: p.doc, Path: path, Table: table, Column: c.Name, From: c.Type, To: to,
		})
		return p.apply(Change{
			Kind:   ChangeWidenColumn,
			Table:  table,
			Column: Column{Name: c.Name, Key: c.Key, Type: to},
			From:   c.Type,
		})
	}

	return p.apply(Change{
		Kind:   ChangeAddColumn,
		Table:  table,
		Column: Column{Name: t.freeName(ColumnName(key)), Key: key, Type: typ},
	})
}

func (p *planner) relation(parent, key string, want TableKind, collection bool, path string) (*Relation, error) {
	pt, _ := p.m.Table(parent)
	if c, ok := pt.Column(key); ok {
		return nil, p.conflict(path, "key %q of table %q is a %s column, got %s", key, parent, c.Type, describe(want, collection))
	}

	childName := TableName(key)
	child, exists := p.m.Table(childName)
	if exists && !compatible(child.Kind, want) {
		return nil, p.conflict(path, "table %q holds %s rows, got %s", childName, child.Kind, describe(want, collection))
	}
	if rel, ok := p.m.Relation(parent, childName); ok {
		if rel.Name() != key && !rel.Reflected {
			return nil, p.conflict(path, "key %q of table %q maps to table %q, already used by key %q", key, parent, childName, rel.Name())
		}
		return rel, nil
	}
	if !exists {
		if err := p.apply(Change{Kind: ChangeCreateTable, Table: childName, TableKind: want}); err != nil {
			return nil, err
		}
		child, _ = p.m.Table(childName)
	}

	rel := &Relation{Parent: parent, Key: RelationKey(key, collection), Child: childName}

	if collection && !p.simple {
		bridge := BridgeName(parent, childName)
		if bt, ok := p.m.Table(bridge); ok && bt.Kind != TableBridge {
			return nil, p.conflict(path, "bridge name %q is taken by a %s table", bridge, bt.Kind)
		}
		if want == TableObject && !child.Hashed {
			if err := p.apply(Change{
				Kind:    ChangeAddColumn,
				Table:   childName,
				Column:  Column{Name: HashColumn, Key: HashColumn, Type: ColHash},
				Indexed: true,
			}); err != nil {
				return nil, err
			}
		}
		pc := ForeignKeyColumn(parent)
		cc := ForeignKeyColumn(childName)
		if cc == pc {
			cc += "_"
		}
		rel.Kind = RelBridge
		rel.Bridge = bridge
		rel.ParentColumn = pc
		rel.ChildColumn = cc
	} else {
		rel.Kind = RelForeignKey
		rel.FKColumn = child.freeName(ForeignKeyColumn(parent))
	}

	if err := p.apply(Change{Kind: ChangeAddRelation, Table: parent, Relation: rel}); err != nil {
		return nil, err
	}
	out, _ := p.m.Relation(parent, childName)
	return out, nil
}

func compatible(have, want TableKind) bool {
	switch want {
	case TableObject:
		return have == TableObject || have == TableMain
	case TableScalar:
		return have == TableScalar
	}
	return false
}

func describe(k TableKind, collection bool) string {
	switch {
	case k == TableScalar:
		return "an array of scalars"
	case collection:
		return "an array of objects"
	default:
		return "an object"
	}
}
