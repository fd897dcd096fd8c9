package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"jsonrel/internal/schema"
	"jsonrel/internal/storage"
	"jsonrel/internal/storage/memory"
)

type fakeLogger struct {
	msgs []string
}

func (l *fakeLogger) Printf(format string, v ...any) {
	l.msgs = append(l.msgs, fmt.Sprintf(format, v...))
}

func (l *fakeLogger) contains(sub string) bool {
	for _, m := range l.msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return m
}

func run(t *testing.T, repo storage.Repository, opts Options, docs ...string) (*Importer, Stats) {
	t.Helper()
	ctx := context.Background()
	im, err := New(ctx, repo, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i, d := range docs {
		if err := im.Add(ctx, i, decode(t, d)); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	st, err := im.Close(ctx)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	return im, st
}

func column(t *testing.T, repo storage.Querier, table, col string) []any {
	t.Helper()
	rows, err := repo.SelectWhere(context.Background(), storage.Select{Table: table, Columns: []string{col}})
	if err != nil {
		t.Fatalf("select %s.%s: %v", table, col, err)
	}
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r[0]
	}
	return out
}

func TestImport_ScalarArrayThroughBridge(t *testing.T) {
	t.Parallel()
	repo := memory.New(nil)
	im, st := run(t, repo, Options{}, `{"a":[true]}`)

	for _, name := range []string{"main", "a", "bridge_main_a"} {
		if _, ok := im.Model.Table(name); !ok {
			t.Fatalf("table %q missing", name)
		}
	}
	a, _ := im.Model.Table("a")
	if c, ok := a.Column("value"); !ok || c.Type != schema.ColBoolean {
		t.Fatalf("a.value = %+v ok=%v", c, ok)
	}
	if repo.RowCount("main") != 1 || repo.RowCount("a") != 1 || repo.RowCount("bridge_main_a") != 1 {
		t.Fatalf("rows main=%d a=%d bridge=%d", repo.RowCount("main"), repo.RowCount("a"), repo.RowCount("bridge_main_a"))
	}
	if st.Imported != 1 || st.Rows != 2 || st.Links != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestImport_NestedObjectUsesForeignKey(t *testing.T) {
	t.Parallel()
	repo := memory.New(nil)
	im, _ := run(t, repo, Options{}, `{"a":{"a":"x","b":1,"c":1.5,"d":true,"e":false}}`)

	a, ok := im.Model.Table("a")
	if !ok {
		t.Fatalf("table a missing")
	}
	want := map[string]schema.ColumnType{
		"a": schema.ColString, "b": schema.ColInteger, "c": schema.ColFloat,
		"d": schema.ColBoolean, "e": schema.ColBoolean,
	}
	for k, typ := range want {
		if c, ok := a.Column(k); !ok || c.Type != typ {
			t.Fatalf("a.%s = %+v ok=%v want %s", k, c, ok, typ)
		}
	}
	if got := column(t, repo, "a", "main_id"); len(got) != 1 || got[0] != int64(1) {
		t.Fatalf("a.main_id = %v", got)
	}
}

func TestImport_DeduplicatesScalars(t *testing.T) {
	t.Parallel()
	repo := memory.New(nil)
	_, st := run(t, repo, Options{}, `{"tags":["x","y","x"]}`, `{"tags":["x"]}`)

	if n := repo.RowCount("tags"); n != 2 {
		t.Fatalf("tags rows=%d want 2", n)
	}
	if n := repo.RowCount("bridge_main_tags"); n != 4 {
		t.Fatalf("bridge rows=%d want 4", n)
	}
	if st.Reused != 2 {
		t.Fatalf("reused=%d want 2", st.Reused)
	}
}

func TestImport_DeduplicatesObjectsByFingerprint(t *testing.T) {
	t.Parallel()
	repo := memory.New(nil)
	_, st := run(t, repo, Options{BatchSize: 1},
		`{"items":[{"n":1,"sub":{"k":"v"}},{"n":1,"sub":{"k":"v"}}]}`,
		`{"items":[{"n":1,"sub":{"k":"w"}}]}`,
	)

	if n := repo.RowCount("items"); n != 2 {
		t.Fatalf("items rows=%d want 2", n)
	}
	if n := repo.RowCount("sub"); n != 2 {
		t.Fatalf("sub rows=%d want 2", n)
	}
	if n := repo.RowCount("bridge_main_items"); n != 3 {
		t.Fatalf("bridge rows=%d want 3", n)
	}
	if st.Batches != 2 || st.Reused != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestImport_SimpleModeUsesForeignKeys(t *testing.T) {
	t.Parallel()
	repo := memory.New(nil)
	im, _ := run(t, repo, Options{Simple: true}, `{"a":[1,2,2]}`)

	if _, ok := im.Model.Table("bridge_main_a"); ok {
		t.Fatalf("simple mode created a bridge table")
	}
	if n := repo.RowCount("a"); n != 3 {
		t.Fatalf("a rows=%d want 3", n)
	}
	if got := column(t, repo, "a", "main_id"); len(got) != 3 {
		t.Fatalf("a.main_id = %v", got)
	}
}

func TestImport_RejectsShapeConflict(t *testing.T) {
	t.Parallel()
	repo := memory.New(nil)
	warn := &fakeLogger{}
	im, st := run(t, repo, Options{Warn: warn}, `{"a":1}`, `{"a":{"x":1}}`, `{"a":2}`)

	if st.Imported != 2 || st.Rejected != 1 {
		t.Fatalf("stats=%+v", st)
	}
	errs := im.Errors()
	var shape *schema.ShapeError
	if len(errs) != 1 || !errors.As(errs[0], &shape) || shape.Doc != 1 {
		t.Fatalf("errors=%v", errs)
	}
	if !warn.contains("status=rejected doc=1") {
		t.Fatalf("warn logs=%v", warn.msgs)
	}
	if _, ok := im.Model.Table("a"); ok {
		t.Fatalf("rejected document changed the schema")
	}
}

func TestImport_RejectsKeysSharingATableName(t *testing.T) {
	t.Parallel()
	repo := memory.New(nil)
	var dropped []int
	im, st := run(t, repo, Options{OnDropped: func(doc int, _ error) { dropped = append(dropped, doc) }},
		`{"a-b":{"x":1},"a_b":{"y":2}}`,
		`{"a-b":{"x":3}}`,
		`{"a_b":{"y":4}}`,
	)

	if st.Imported != 1 || st.Rejected != 2 {
		t.Fatalf("stats=%+v", st)
	}
	var shape *schema.ShapeError
	errs := im.Errors()
	if len(errs) != 2 || !errors.As(errs[1], &shape) || shape.Doc != 2 || shape.Path != "$.a_b" {
		t.Fatalf("errors=%v", errs)
	}
	if len(dropped) != 2 || dropped[0] != 0 || dropped[1] != 2 {
		t.Fatalf("dropped=%v", dropped)
	}
	if n := repo.RowCount("a_b"); n != 1 {
		t.Fatalf("a_b rows=%d want 1", n)
	}
}

func TestImport_WideningIsLogged(t *testing.T) {
	t.Parallel()
	repo := memory.New(nil)
	warn := &fakeLogger{}
	im, st := run(t, repo, Options{Warn: warn}, `{"v":1}`, `{"v":"x"}`)

	if st.Widenings != 1 || st.Imported != 2 {
		t.Fatalf("stats=%+v", st)
	}
	mt, _ := im.Model.Table("main")
	if c, _ := mt.Column("v"); c.Type != schema.ColString {
		t.Fatalf("v type=%s", c.Type)
	}
	got := column(t, repo, "main", "v")
	if len(got) != 2 || got[0] != "1" || got[1] != "x" {
		t.Fatalf("values=%v", got)
	}
	if !warn.contains("widened integer->string") {
		t.Fatalf("warn logs=%v", warn.msgs)
	}
}

func TestImport_NoImportOnlyGrowsSchema(t *testing.T) {
	t.Parallel()
	repo := memory.New(nil)
	im, st := run(t, repo, Options{NoImport: true}, `{"a":[1],"b":"x"}`)

	if _, ok := im.Model.Table("bridge_main_a"); !ok {
		t.Fatalf("schema not created")
	}
	if repo.RowCount("main") != 0 || st.Skipped != 1 || st.Imported != 0 {
		t.Fatalf("rows=%d stats=%+v", repo.RowCount("main"), st)
	}
}

func TestImport_ContinuesExistingDatabase(t *testing.T) {
	t.Parallel()
	repo := memory.New(nil)
	run(t, repo, Options{}, `{"name":"a","tags":["x","y"]}`)

	_, st := run(t, repo, Options{}, `{"name":"b","tags":["y","z"]}`)
	if st.SchemaChanges != 0 {
		t.Fatalf("second run changed the schema %d times", st.SchemaChanges)
	}
	if n := repo.RowCount("tags"); n != 3 {
		t.Fatalf("tags rows=%d want 3", n)
	}
	if st.Reused != 1 {
		t.Fatalf("reused=%d want 1", st.Reused)
	}
}

func TestImport_OnCommittedAndProgress(t *testing.T) {
	t.Parallel()
	repo := memory.New(nil)
	var refs []RowRef
	var progress strings.Builder
	run(t, repo, Options{
		RootTable:   "Docs",
		BatchSize:   2,
		Progress:    &progress,
		OnCommitted: func(_ int, ref RowRef) { refs = append(refs, ref) },
	}, `{"a":1}`, `{"a":2}`, `{"a":3}`)

	if len(refs) != 3 || refs[0].Table != "docs" || refs[2].ID != 3 {
		t.Fatalf("refs=%v", refs)
	}
	if progress.String() != "...\n" {
		t.Fatalf("progress=%q", progress.String())
	}
}

// failingRepo fails any insert that binds the value failOn.
type failingRepo struct {
	*memory.Repo
	failOn string
}

func (r *failingRepo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.Repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, failOn: r.failOn}, nil
}

type failingTx struct {
	storage.Tx
	failOn string
}

var errInjected = errors.New("injected insert failure")

func (t *failingTx) InsertRow(ctx context.Context, table string, columns []string, values []any) (int64, error) {
	for _, v := range values {
		if s, ok := v.(string); ok && s == t.failOn {
			return 0, errInjected
		}
	}
	return t.Tx.InsertRow(ctx, table, columns, values)
}

func TestImport_FailedBatchIsReplayedPerDocument(t *testing.T) {
	t.Parallel()
	repo := &failingRepo{Repo: memory.New(nil), failOn: "boom"}
	im, st := run(t, repo, Options{},
		`{"tags":["ok"]}`,
		`{"tags":["new","boom"]}`,
		`{"tags":["ok","new"]}`,
	)

	if st.Imported != 2 || st.Failed != 1 {
		t.Fatalf("stats=%+v", st)
	}
	errs := im.Errors()
	var ce *CommitError
	if len(errs) != 1 || !errors.As(errs[0], &ce) || ce.Doc != 1 {
		t.Fatalf("errors=%v", errs)
	}
	if !errors.Is(errs[0], ErrPartialWrite) || !errors.Is(errs[0], errInjected) {
		t.Fatalf("error chain: %v", errs[0])
	}
	if n := repo.RowCount("main"); n != 2 {
		t.Fatalf("main rows=%d want 2", n)
	}
	// "new" inserted by the rolled back document must not be reused.
	if n := repo.RowCount("tags"); n != 2 {
		t.Fatalf("tags rows=%d want 2", n)
	}
	if n := repo.RowCount("bridge_main_tags"); n != 3 {
		t.Fatalf("bridge rows=%d want 3", n)
	}
}

func TestImport_OnDroppedSeesFailedDocuments(t *testing.T) {
	t.Parallel()
	repo := &failingRepo{Repo: memory.New(nil), failOn: "boom"}
	var dropped []int
	var committed []int
	run(t, repo, Options{
		BatchSize:   2,
		OnCommitted: func(doc int, _ RowRef) { committed = append(committed, doc) },
		OnDropped: func(doc int, err error) {
			var ce *CommitError
			if !errors.As(err, &ce) || ce.Doc != doc {
				t.Errorf("dropped doc %d with %v", doc, err)
			}
			dropped = append(dropped, doc)
		},
	}, `{"v":"ok"}`, `{"v":"boom"}`, `{"v":"fine"}`)

	if len(dropped) != 1 || dropped[0] != 1 {
		t.Fatalf("dropped=%v", dropped)
	}
	if len(committed) != 2 || committed[0] != 0 || committed[1] != 2 {
		t.Fatalf("committed=%v", committed)
	}
}

func TestNew_RequiresRepo(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), nil, Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestImport_CancelledContextIsFatal(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	im, err := New(ctx, memory.New(nil), Options{})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := im.Add(ctx, 0, map[string]any{"a": "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := im.Close(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Close err=%v want context.Canceled", err)
	}
}
