package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"jsonrel/internal/schema"
)

// Logger is the minimal logging surface used by backends (SQL echo).
type Logger interface {
	Printf(format string, v ...any)
}

// Config is the minimal configuration needed to open a repository.
//
// When to use:
//   - Build a Config with ParseURL from a database URL, or fill Kind/DSN
//     directly, and pass it to New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Echo, when non-nil, receives every SQL statement the backend executes.
type Config struct {
	Kind string
	DSN  string
	Echo Logger
}

// Select describes a single-table equality lookup.
//
// Where == "" selects every row. OrderBy, when set, orders by that column
// ascending.
type Select struct {
	Table   string
	Columns []string
	Where   string
	Value   any
	OrderBy string
}

// Querier reads rows. Values come back as the driver returns them; callers
// normalize them with schema.Decode.
type Querier interface {
	SelectWhere(ctx context.Context, q Select) ([][]any, error)
}

// Tx is one unit of work. Rows inserted through a Tx become visible to
// other readers only after Commit.
//
// Edge cases:
//   - InsertRow with no columns inserts a row holding only defaults and
//     still returns its generated _id.
//   - Rollback after Commit is a no-op, so callers may always defer it.
type Tx interface {
	Querier

	// InsertRow inserts one row into a table with a generated _id and
	// returns that id.
	InsertRow(ctx context.Context, table string, columns []string, values []any) (int64, error)

	// InsertLink inserts one row into a table without a primary key
	// (bridge tables).
	InsertLink(ctx context.Context, table string, columns []string, values []any) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Repository is the backend-agnostic storage used by the importer and the
// round-trip reader.
//
// IMPORTANT: Schema changes are applied outside of row transactions. Callers
// must not hold an open Tx while calling ApplyChange; single-connection
// backends (SQLite) would block.
type Repository interface {
	Querier

	// Close releases any backend resources (connections, pools).
	//
	// Edge cases:
	//   - Callers should treat Close as "call once".
	Close()

	// Dialect is the registered backend kind.
	Dialect() string

	// ApplyChange executes the DDL for one schema change. A change that is
	// already present in the database (created by an earlier run or a
	// concurrent writer) is treated as success.
	ApplyChange(ctx context.Context, ch schema.Change) error

	// Reflect lists user tables with their columns and foreign keys so an
	// import can continue into an existing database.
	Reflect(ctx context.Context) ([]schema.TableInfo, error)

	// Begin starts a row transaction.
	Begin(ctx context.Context) (Tx, error)
}

var _ schema.Migrator = Repository(nil)

// ---- factories ----

// Factory opens a Repository for a Config.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The kind string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
