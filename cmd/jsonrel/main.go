// Command jsonrel imports JSON documents into a relational database,
// growing the schema as new shapes appear.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"jsonrel/internal/config"
	"jsonrel/internal/source"
	"jsonrel/internal/storage"

	// register every backend with the storage factory; the database URL
	// picks one at run time.
	_ "jsonrel/internal/storage/all"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

// appDeps holds the side-effecting collaborators of runMain.
type appDeps struct {
	openRepo    func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	openSource  func(ctx context.Context, cfg config.InputConfig, spec source.Spec) (io.ReadCloser, error)
	initMetrics func(ctx context.Context, o metricsOptions) (func(), error)
	newRunID    func() string
}

func defaultDeps() appDeps {
	return appDeps{
		openRepo: storage.New,
		openSource: func(ctx context.Context, cfg config.InputConfig, spec source.Spec) (io.ReadCloser, error) {
			return source.NewOpener(&http.Client{Timeout: cfg.Timeout}, cfg.Timeout).Open(ctx, spec)
		},
		initMetrics: initMetrics,
		newRunID:    func() string { return uuid.NewString() },
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// exitError carries a process exit code out of a cobra command. A nil err
// means the reason was already reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// runMain executes the command line in args and returns the exit code:
// 0 when every document was imported (and verified), 1 on a fatal error or
// a verification mismatch, 2 when some documents were rejected or failed.
func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, deps appDeps) int {
	cmd := newRootCmd(stdin, stdout, stderr, deps)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "jsonrel: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "jsonrel: %v\n", err)
	return exitFatal
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var configPath string

	runE := func(verify bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			r := &importRun{cfg: cfg, deps: deps, stdin: stdin, stdout: stdout, stderr: stderr, verify: verify}
			return r.execute(cmd.Context())
		}
	}

	root := &cobra.Command{
		Use:   "jsonrel",
		Short: "Import JSON documents into a relational database",
		Long: `jsonrel reads JSON documents from a file, a URL or stdin and stores them in
SQLite, PostgreSQL, SQL Server or MySQL. Tables and columns are created as new
keys appear, nested objects become child tables and arrays are stored through
bridge tables (or foreign keys with --simple).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runE(false),
	}

	pf := root.PersistentFlags()
	pf.StringP("databaseurl", "d", "", "database URL (sqlite:///file.db, postgres://..., sqlserver://..., mysql://..., memory://)")
	pf.StringP("url", "u", "", "read the input from this http(s) URL")
	pf.StringP("file", "f", "", "read the input from this file (default stdin)")
	pf.BoolP("simple", "s", false, "store arrays through foreign keys instead of bridge tables")
	pf.BoolP("noimport", "n", false, "only create the schema, do not import rows")
	pf.StringP("loglevel", "L", "INFO", "log level: ERROR|WARNING|INFO|DEBUG")
	pf.String("log-format", "text", "log format: text|json")
	pf.BoolP("no-progress", "p", false, "do not print a progress dot per document")
	pf.BoolP("echo", "e", false, "log every SQL statement")
	pf.StringP("root-table", "t", "main", "table receiving one row per document")
	pf.BoolP("line", "l", false, "read one JSON document per line, skipping malformed lines")
	pf.IntP("batch-size", "N", 100, "documents per transaction")
	pf.String("metrics-backend", "none", "metrics backend: none|datadog|pushgateway (env METRICS_BACKEND)")
	pf.String("pushgateway-url", "http://localhost:9091", "Pushgateway base URL (env PUSHGATEWAY_URL)")
	pf.StringVar(&configPath, "config", "", "YAML config file (default ./jsonrel.yaml when present)")

	root.AddCommand(&cobra.Command{
		Use:   "import",
		Short: "Import documents (the default command)",
		Args:  cobra.NoArgs,
		RunE:  runE(false),
	})
	root.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Import documents, then read every one back and compare it with its input",
		Args:  cobra.NoArgs,
		RunE:  runE(true),
	})
	return root
}
