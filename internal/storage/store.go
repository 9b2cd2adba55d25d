package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config is the minimal configuration needed to open a Store.
//
// When to use:
//   - Use Config when constructing a Store via Open.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Column is one column as the database reports it.
type Column struct {
	Name   string
	DBType string

	// Temporal is true for date/time columns. String values bound for these
	// columns must be parsed before they are written.
	Temporal bool
}

// Type maps DBType to the neutral column type values are converted to.
func (c Column) Type() Type { return TypeOf(c.DBType) }

// Scope restricts soft-delete marking to rows whose Column value is one of
// Values.
type Scope struct {
	Column string
	Values []any
}

// StaleOptions controls Store.MarkStale.
type StaleOptions struct {
	// Scope, when non-nil, limits marking to matching rows. A scope with no
	// values marks nothing.
	Scope *Scope

	// At is written to the updated_at column of every marked row.
	At time.Time
}

// Store is the relational boundary of the sync pipeline.
//
// Each backend implements these semantics in its own idiomatic way
// (Postgres and SQLite ON CONFLICT, SQL Server MERGE). Upsert and MarkStale
// each run in a single transaction: either every row is written or none is.
type Store interface {
	// Ping verifies the connection is usable.
	Ping(ctx context.Context) error

	// Close releases backend resources. Call it once.
	Close() error

	// CreateTableSQL renders the DDL for spec without touching the database.
	CreateTableSQL(spec TableSpec) ([]string, error)

	// EnsureTable executes CreateTableSQL. It is idempotent.
	EnsureTable(ctx context.Context, spec TableSpec) error

	// Columns lists the table's columns in ordinal order. A missing table is
	// an error.
	Columns(ctx context.Context, table string) ([]Column, error)

	// Upsert inserts rows, replacing every non-key column of rows whose key
	// already exists. rows must be aligned with columns and must not repeat a
	// key.
	Upsert(ctx context.Context, table, key string, columns []string, rows [][]any) (int64, error)

	// MarkStale sets is_deleted=true and updated_at=opts.At on active rows whose
	// key is not in keep. It returns the number of rows marked.
	MarkStale(ctx context.Context, table, key string, keep []string, opts StaleOptions) (int64, error)
}

// Factory opens a Store for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Store, error)

// DDLFunc renders the DDL for a table spec in one backend's dialect.
type DDLFunc func(spec TableSpec) ([]string, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
	dialects  = map[string]DDLFunc{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The kind string becomes the lookup key used by Open.
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

// RegisterDDL registers the offline DDL renderer of a backend kind. It
// panics on an empty kind, a nil f or a duplicate registration.
func RegisterDDL(kind string, f DDLFunc) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" || f == nil {
		panic("storage: RegisterDDL called with empty kind or nil func")
	}
	if _, exists := dialects[kind]; exists {
		panic(fmt.Sprintf("storage: DDL already registered for kind=%q", kind))
	}
	dialects[kind] = f
}

// CreateTableSQL renders spec for kind without opening a connection.
func CreateTableSQL(kind string, spec TableSpec) ([]string, error) {
	mu.RLock()
	f := dialects[kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: kind=%s: %w", kind, ErrUnknownBackend)
	}
	return f(spec)
}

// Open constructs a Store using the registered backend factory.
//
// Errors:
//   - Returns ErrUnknownBackend if cfg.Kind is empty or not registered.
//   - Returns whatever error the registered factory returns, wrapped in a
//     *StoreError.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind: %w", ErrUnknownBackend)
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: kind=%s: %w", cfg.Kind, ErrUnknownBackend)
	}
	s, err := f(ctx, cfg)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	return s, nil
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
