// Package importer drives a JSON import: it grows the schema for each batch
// of documents, then writes the batch in one transaction.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"jsonrel/internal/metrics"
	"jsonrel/internal/schema"
	"jsonrel/internal/storage"
)

const (
	DefaultRootTable = "main"
	DefaultBatchSize = 100
)

// Logger is the minimal logging interface used by the importer.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configures an Importer.
type Options struct {
	// RootTable receives one row per document. Defaults to "main".
	RootTable string
	// Simple stores arrays through foreign keys instead of bridge tables.
	Simple bool
	// NoImport only grows the schema; no rows are written.
	NoImport bool
	// BatchSize is the number of documents per transaction. Defaults to 100.
	BatchSize int

	// Progress, when set, receives one '.' per committed document.
	Progress io.Writer
	// Logger receives stage logs. Warn receives widenings and rejected
	// documents; it defaults to Logger.
	Logger Logger
	Warn   Logger

	// OnCommitted is called for every document once its transaction
	// committed.
	OnCommitted func(doc int, ref RowRef)
	// OnDropped is called for every document that was rejected or failed,
	// with the error also reported by Errors.
	OnDropped func(doc int, err error)
}

// Stats summarizes an import run.
type Stats struct {
	Documents int
	Imported  int
	// Rejected documents did not fit the schema (shape conflicts).
	Rejected int
	// Failed documents fit the schema but could not be written.
	Failed int
	// Skipped documents were only used to grow the schema (NoImport).
	Skipped int

	Counts
	SchemaChanges int
	Widenings     int
	Batches       int
}

type document struct {
	index int
	value map[string]any
}

// Importer imports documents into one root table.
//
// Documents are buffered with Add and written when the batch is full or on
// Flush/Close. Schema changes for a batch run before its transaction opens.
// When the transaction fails, it is rolled back and the batch is replayed
// one document per transaction so only the failing document is lost.
//
// An Importer is not safe for concurrent use.
type Importer struct {
	Repo  storage.Repository
	Model *schema.Model

	opts   Options
	synth  *schema.Synthesizer
	commit *Committer
	logf   func(format string, v ...any)
	warnf  func(format string, v ...any)

	batch []document
	stats Stats
	errs  []error
}

// New reflects the schema already present in repo so an import can continue
// an earlier one.
func New(ctx context.Context, repo storage.Repository, opts Options) (*Importer, error) {
	if repo == nil {
		return nil, fmt.Errorf("importer: Repo is required")
	}
	if opts.RootTable == "" {
		opts.RootTable = DefaultRootTable
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	start := time.Now()
	infos, err := repo.Reflect(ctx)
	metrics.ObserveStep("reflect", start, err)
	if err != nil {
		return nil, fmt.Errorf("importer: reflect schema: %w", err)
	}
	model := schema.FromReflection(schema.TableName(opts.RootTable), infos)

	im := &Importer{
		Repo:   repo,
		Model:  model,
		opts:   opts,
		synth:  &schema.Synthesizer{Model: model, Simple: opts.Simple},
		commit: NewCommitter(model),
		batch:  make([]document, 0, opts.BatchSize),
	}
	im.logf = printf(opts.Logger)
	im.warnf = im.logf
	if opts.Warn != nil {
		im.warnf = opts.Warn.Printf
	}
	im.logf("stage=reflect ok tables=%d duration=%s", len(infos), durMS(start))
	return im, nil
}

func printf(l Logger) func(format string, v ...any) {
	if l == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return l.Printf
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// RootTable is the table every document's root row goes to.
func (im *Importer) RootTable() string { return schema.TableName(im.opts.RootTable) }

// Stats returns the counters accumulated so far.
func (im *Importer) Stats() Stats { return im.stats }

// Errors lists the per-document errors (*schema.ShapeError, *CommitError or
// a widening failure) in document order.
func (im *Importer) Errors() []error { return append([]error(nil), im.errs...) }

// Add queues a document and writes the batch once it is full. index
// identifies the document in logs and errors.
func (im *Importer) Add(ctx context.Context, index int, doc map[string]any) error {
	im.stats.Documents++
	im.batch = append(im.batch, document{index: index, value: doc})
	if len(im.batch) >= im.opts.BatchSize {
		return im.Flush(ctx)
	}
	return nil
}

// Flush writes the queued documents. Document-level failures are recorded
// and do not stop the import; the returned error is fatal (storage
// unreachable, cancellation).
func (im *Importer) Flush(ctx context.Context) error {
	if len(im.batch) == 0 {
		return nil
	}
	docs := im.batch
	im.batch = make([]document, 0, im.opts.BatchSize)

	accepted, err := im.ensure(ctx, docs)
	if err != nil {
		return err
	}
	if im.opts.NoImport {
		im.stats.Skipped += len(accepted)
		metrics.IncCounter(metrics.DocumentsTotal, float64(len(accepted)), metrics.Labels{"status": "skipped"})
		return nil
	}
	if len(accepted) == 0 {
		return nil
	}
	return im.write(ctx, accepted)
}

// Close flushes the last batch and logs a summary.
func (im *Importer) Close(ctx context.Context) (Stats, error) {
	err := im.Flush(ctx)
	if im.opts.Progress != nil && im.stats.Imported > 0 {
		fmt.Fprintln(im.opts.Progress)
	}
	s := im.stats
	im.logf("stage=done documents=%d imported=%d rejected=%d failed=%d skipped=%d rows=%d reused=%d links=%d schema_changes=%d widenings=%d batches=%d",
		s.Documents, s.Imported, s.Rejected, s.Failed, s.Skipped, s.Rows, s.Reused, s.Links, s.SchemaChanges, s.Widenings, s.Batches)
	return s, err
}

// ensure grows the schema for every document of a batch and returns the
// documents that fit.
func (im *Importer) ensure(ctx context.Context, docs []document) ([]document, error) {
	start := time.Now()
	accepted := make([]document, 0, len(docs))
	changes := 0

	for _, d := range docs {
		_, plan, err := im.synth.Ensure(ctx, im.Repo, im.opts.RootTable, d.value, d.index)

		var shape *schema.ShapeError
		switch {
		case err == nil:
		case errors.As(err, &shape):
			im.stats.Rejected++
			im.drop(d.index, err)
			metrics.IncCounter(metrics.DocumentsTotal, 1, metrics.Labels{"status": "rejected"})
			im.warnf("stage=ensure status=rejected doc=%d path=%s err=%v", shape.Doc, shape.Path, shape.Reason)
			continue
		case errors.Is(err, schema.ErrTypeWiden):
			im.stats.Failed++
			im.drop(d.index, err)
			metrics.IncCounter(metrics.DocumentsTotal, 1, metrics.Labels{"status": "failed"})
			im.warnf("stage=ensure status=error doc=%d err=%v", d.index, err)
			continue
		default:
			metrics.ObserveStep("ensure", start, err)
			return nil, fmt.Errorf("importer: ensure schema: %w", err)
		}

		for _, ch := range plan.Changes {
			metrics.IncCounter(metrics.SchemaChangesTotal, 1, metrics.Labels{"kind": ch.Kind.String()})
			im.logf("stage=ensure change doc=%d %s", d.index, ch)
		}
		for _, w := range plan.Widenings {
			im.warnf("stage=ensure widen %s", w)
		}
		changes += len(plan.Changes)
		im.stats.SchemaChanges += len(plan.Changes)
		im.stats.Widenings += len(plan.Widenings)
		accepted = append(accepted, d)
	}

	metrics.ObserveStep("ensure", start, nil)
	if changes > 0 {
		im.logf("stage=ensure ok docs=%d changes=%d duration=%s", len(docs), changes, durMS(start))
	}
	return accepted, nil
}

// write commits docs in one transaction, falling back to one transaction
// per document when that fails.
func (im *Importer) write(ctx context.Context, docs []document) error {
	start := time.Now()
	refs, err := im.commitTx(ctx, docs)
	metrics.ObserveStep("commit", start, err)
	if err == nil {
		im.committed(docs, refs)
		im.logf("stage=commit ok docs=%d duration=%s", len(docs), durMS(start))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(docs) == 1 {
		im.failed(docs[0], err)
		return nil
	}

	im.logf("stage=commit status=error docs=%d err=%v", len(docs), err)
	for _, d := range docs {
		one := []document{d}
		refs, err := im.commitTx(ctx, one)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			im.failed(d, err)
			continue
		}
		im.committed(one, refs)
	}
	im.logf("stage=replay ok docs=%d duration=%s", len(docs), durMS(start))
	return nil
}

func (im *Importer) commitTx(ctx context.Context, docs []document) (_ []RowRef, err error) {
	tx, err := im.Repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			im.commit.Discard()
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	refs := make([]RowRef, 0, len(docs))
	for _, d := range docs {
		ref, err := im.commit.Commit(ctx, tx, im.opts.RootTable, d.value)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return refs, nil
}

func (im *Importer) committed(docs []document, refs []RowRef) {
	c := im.commit.Promote()
	im.stats.Imported += len(docs)
	im.stats.Counts.add(c)
	im.stats.Batches++

	metrics.IncCounter(metrics.BatchesTotal, 1, nil)
	metrics.IncCounter(metrics.DocumentsTotal, float64(len(docs)), metrics.Labels{"status": "imported"})
	metrics.IncCounter(metrics.RowsTotal, float64(c.Rows), metrics.Labels{"kind": "inserted"})
	metrics.IncCounter(metrics.RowsTotal, float64(c.Reused), metrics.Labels{"kind": "reused"})
	metrics.IncCounter(metrics.RowsTotal, float64(c.Links), metrics.Labels{"kind": "link"})

	for i, d := range docs {
		if im.opts.OnCommitted != nil {
			im.opts.OnCommitted(d.index, refs[i])
		}
		if im.opts.Progress != nil {
			_, _ = io.WriteString(im.opts.Progress, ".")
		}
	}
}

func (im *Importer) failed(d document, err error) {
	ce := &CommitError{Doc: d.index, Err: err}
	im.stats.Failed++
	im.drop(d.index, ce)
	metrics.IncCounter(metrics.DocumentsTotal, 1, metrics.Labels{"status": "failed"})
	im.warnf("stage=commit status=error doc=%d err=%v", d.index, err)
}

func (im *Importer) drop(doc int, err error) {
	im.errs = append(im.errs, err)
	if im.opts.OnDropped != nil {
		im.opts.OnDropped(doc, err)
	}
}
