package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"jsonrel/internal/config"
	"jsonrel/internal/importer"
	"jsonrel/internal/logging"
	"jsonrel/internal/metrics/datadog"
	jsonparser "jsonrel/internal/parser/json"
	"jsonrel/internal/roundtrip"
	"jsonrel/internal/source"
	"jsonrel/internal/storage"
)

// importRun is one import (or verify) invocation.
type importRun struct {
	cfg    *config.Config
	deps   appDeps
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	verify bool

	log *slog.Logger
	// pending holds the input of every document still in flight when
	// verifying.
	pending map[int]map[string]any
}

func (r *importRun) execute(ctx context.Context) error {
	level, err := logging.ParseLevel(r.cfg.Logging.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(r.cfg.Logging.Format)
	if err != nil {
		return err
	}
	runID := r.deps.newRunID()
	r.log = logging.New(r.stderr, level, format).With("run_id", runID)

	cleanup, err := r.deps.initMetrics(ctx, metricsOptions{
		Backend:        r.cfg.Metrics.Backend,
		Job:            r.cfg.Metrics.Job,
		PushgatewayURL: r.cfg.Metrics.PushgatewayURL,
		Tags:           datadog.ParseTagsCSV(r.cfg.Metrics.Tags),
		RunID:          runID,
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer cleanup()

	scfg, err := storage.ParseURL(r.cfg.Database.URL)
	if err != nil {
		return err
	}
	if r.cfg.Logging.Echo {
		scfg.Echo = logging.Printf(r.log.With("component", "sql"), logging.LevelInfo)
	}
	repo, err := r.deps.openRepo(ctx, scfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	spec := source.Spec{URL: r.cfg.Input.URL, File: r.cfg.Input.File, Stdin: r.stdin}
	in, err := r.deps.openSource(ctx, r.cfg.Input, spec)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	r.log.Info("import starting",
		"source", spec.Name(),
		"database", scfg.Kind,
		"root_table", r.cfg.Import.RootTable,
		"simple", r.cfg.Import.Simple,
		"batch_size", r.cfg.Import.BatchSize,
	)

	var pairs []roundtrip.Pair
	r.pending = map[int]map[string]any{}
	opts := importer.Options{
		RootTable: r.cfg.Import.RootTable,
		Simple:    r.cfg.Import.Simple,
		NoImport:  r.cfg.Import.NoImport,
		BatchSize: r.cfg.Import.BatchSize,
		Logger:    logging.Printf(r.log, logging.LevelInfo),
		Warn:      logging.Printf(r.log, logging.LevelWarn),
	}
	if !r.cfg.Import.NoProgress {
		opts.Progress = r.stderr
	}
	if r.keepInputs() {
		opts.OnCommitted = func(doc int, ref importer.RowRef) {
			pairs = append(pairs, roundtrip.Pair{Doc: doc, ID: ref.ID, Value: r.pending[doc]})
			delete(r.pending, doc)
		}
		opts.OnDropped = func(doc int, _ error) {
			delete(r.pending, doc)
		}
	}

	start := time.Now()
	im, err := importer.New(ctx, repo, opts)
	if err != nil {
		return err
	}

	skipped, parseErr, addErr := r.feed(ctx, in, im)
	stats, closeErr := im.Close(ctx)
	switch {
	case addErr != nil:
		return addErr
	case closeErr != nil:
		return closeErr
	case parseErr != nil:
		return fmt.Errorf("parse input: %w", parseErr)
	}

	r.log.Info("import finished",
		"documents", stats.Documents,
		"imported", stats.Imported,
		"rejected", stats.Rejected,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"unparsed", skipped,
		"rows", stats.Rows,
		"reused", stats.Reused,
		"links", stats.Links,
		"schema_changes", stats.SchemaChanges,
		"widenings", stats.Widenings,
		"duration", time.Since(start).Truncate(time.Millisecond),
	)
	fmt.Fprintf(r.stdout, "documents=%d imported=%d rejected=%d failed=%d unparsed=%d rows=%d schema_changes=%d\n",
		stats.Documents, stats.Imported, stats.Rejected, stats.Failed, skipped, stats.Rows, stats.SchemaChanges)

	if r.verify {
		bad, err := roundtrip.Verify(ctx, repo, im.Model, im.RootTable(), pairs)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		for _, m := range bad {
			r.log.Error("round trip mismatch", "doc", m.Doc, "row", m.ID, "want", m.Want, "got", m.Got)
			fmt.Fprintln(r.stdout, m.String())
		}
		fmt.Fprintf(r.stdout, "verified=%d mismatches=%d\n", len(pairs), len(bad))
		if len(bad) > 0 {
			return &exitError{code: exitFatal}
		}
	}

	if stats.Rejected+stats.Failed+skipped > 0 {
		return &exitError{code: exitPartial}
	}
	return nil
}

// keepInputs reports whether documents must be held for verification. With
// --noimport nothing is committed, so nothing can be read back.
func (r *importRun) keepInputs() bool {
	return r.verify && !r.cfg.Import.NoImport
}

// feed streams documents from in into im. The parser runs in its own
// goroutine so decoding overlaps with database work.
func (r *importRun) feed(ctx context.Context, in io.Reader, im *importer.Importer) (skipped int, parseErr, addErr error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan jsonparser.Document, r.cfg.Import.BatchSize)
	errc := make(chan error, 1)
	onParseErr := func(pos int, err error) {
		skipped++
		r.log.Warn("skipping input value", "stage", "parse", "pos", pos, "err", err)
	}
	go func() {
		defer close(out)
		errc <- jsonparser.StreamDocuments(ctx, in, jsonparser.Options{Lines: r.cfg.Input.Lines}, out, onParseErr)
	}()

	for d := range out {
		if r.keepInputs() {
			r.pending[d.Index] = d.Value
		}
		if err := im.Add(ctx, d.Index, d.Value); err != nil {
			addErr = err
			cancel()
			break
		}
	}
	for range out {
	}

	parseErr = <-errc
	switch {
	case addErr != nil:
		return skipped, nil, addErr
	case parseErr == nil:
		return skipped, nil, nil
	case ctx.Err() != nil:
		return skipped, nil, parseErr
	}
	// The syntax error that ended the stream was reported through
	// onParseErr as well.
	return skipped - 1, parseErr, nil
}
