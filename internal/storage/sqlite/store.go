package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"planfixsync/internal/analytic"
	"planfixsync/internal/storage"
)

// paramLimit is SQLITE_MAX_VARIABLE_NUMBER for the bundled library.
const paramLimit = 32766

const inChunk = 2000

func init() {
	storage.Register("sqlite", Open)
	storage.RegisterDDL("sqlite", buildCreateSQL)
}

// Store implements storage.Store for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native timestamp type. Timestamps are stored as
//     RFC3339Nano strings for reliable round-trip behavior.
//   - NUMERIC columns are declared DECIMAL TEXT: TEXT affinity keeps the
//     exact digits of decimal strings instead of coercing them to REAL.
//   - The pool is capped at one connection; SQLite serializes writers anyway
//     and an in-memory database lives only as long as its connection.
type Store struct {
	db *sqlx.DB
}

// Open opens cfg.DSN (a file path, file: URI or ":memory:").
func Open(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return storage.Wrap("ping", "", s.db.PingContext(ctx))
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateTableSQL(spec storage.TableSpec) ([]string, error) {
	return buildCreateSQL(spec)
}

func (s *Store) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	stmts, err := buildCreateSQL(spec)
	if err != nil {
		return storage.Wrap("create table", spec.Name, err)
	}
	return storage.Wrap("create table", spec.Name, withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec %q: %w", stmt, err)
			}
		}
		return nil
	}))
}

type columnInfo struct {
	Name string `db:"name"`
	Type string `db:"type"`
}

func (s *Store) Columns(ctx context.Context, table string) ([]storage.Column, error) {
	var infos []columnInfo
	if err := s.db.SelectContext(ctx, &infos, `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, table); err != nil {
		return nil, storage.Wrap("columns", table, err)
	}
	if len(infos) == 0 {
		return nil, storage.Wrap("columns", table, fmt.Errorf("no such table"))
	}
	out := make([]storage.Column, 0, len(infos))
	for _, c := range infos {
		typ := strings.ToUpper(c.Type)
		out = append(out, storage.Column{
			Name:     c.Name,
			DBType:   typ,
			Temporal: strings.Contains(typ, "DATE") || strings.Contains(typ, "TIME"),
		})
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, table, key string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var total int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		size := storage.ChunkRows(paramLimit, len(columns), 500)
		for _, chunk := range storage.Chunks(rows, size) {
			q, args := buildUpsertSQL(table, key, columns, chunk)
			res, err := tx.ExecContext(ctx, q, args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, storage.Wrap("upsert", table, err)
	}
	return total, nil
}

func (s *Store) MarkStale(ctx context.Context, table, key string, keep []string, opts storage.StaleOptions) (int64, error) {
	if opts.Scope != nil && len(opts.Scope.Values) == 0 {
		return 0, nil
	}

	var total int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		active, err := selectActive(ctx, tx, table, key, opts.Scope)
		if err != nil {
			return err
		}
		for _, chunk := range storage.Chunks(storage.StaleKeys(active, keep), inChunk) {
			q, args, err := sqlx.In(fmt.Sprintf(
				"UPDATE %s SET %s = TRUE, %s = ? WHERE %s IN (?) AND %s = FALSE",
				sqlIdent(table),
				sqlIdent(analytic.ColumnIsDeleted),
				sqlIdent(analytic.ColumnUpdatedAt),
				sqlIdent(key),
				sqlIdent(analytic.ColumnIsDeleted),
			), formatSQLiteTime(opts.At), chunk)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, storage.Wrap("mark stale", table, err)
	}
	return total, nil
}

func selectActive(ctx context.Context, tx *sqlx.Tx, table, key string, scope *storage.Scope) ([]string, error) {
	base := fmt.Sprintf("SELECT %s FROM %s WHERE %s = FALSE",
		sqlIdent(key), sqlIdent(table), sqlIdent(analytic.ColumnIsDeleted))
	if scope == nil {
		var keys []string
		err := tx.SelectContext(ctx, &keys, base)
		return keys, err
	}

	var out []string
	for _, chunk := range storage.Chunks(scope.Values, inChunk) {
		q, args, err := sqlx.In(base+" AND "+sqlIdent(scope.Column)+" IN (?)", chunk)
		if err != nil {
			return nil, err
		}
		var keys []string
		if err := tx.SelectContext(ctx, &keys, tx.Rebind(q), args...); err != nil {
			return nil, err
		}
		out = append(out, keys...)
	}
	return out, nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var _ storage.Store = (*Store)(nil)
