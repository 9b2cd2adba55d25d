package mssql

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"

	"planfixsync/internal/storage"
)

// paramLimit stays under SQL Server's 2100 parameters per request.
const paramLimit = 2000

func init() {
	storage.Register("mssql", Open)
	storage.RegisterDDL("mssql", buildCreateSQL)
}

// Store implements storage.Store for Microsoft SQL Server.
//
// Upserts use MERGE ... WITH (HOLDLOCK) so concurrent writers for the same
// key serialize instead of racing to insert. SQL Server rejects a MERGE whose
// source repeats a key, so rows are deduplicated by key first (last wins).
type Store struct {
	db *sqlx.DB
}

// Open connects with the "sqlserver" driver and validates connectivity via
// PingContext.
func Open(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sqlx.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for bursty batch loads.
	db.SetMaxOpenConns(64)
	db.SetMaxIdleConns(64)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return storage.Wrap("ping", "", s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) CreateTableSQL(spec storage.TableSpec) ([]string, error) {
	return buildCreateSQL(spec)
}

func (s *Store) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	stmts, err := buildCreateSQL(spec)
	if err != nil {
		return storage.Wrap("create table", spec.Name, err)
	}
	// CREATE SCHEMA must run in its own batch, so statements are not wrapped
	// in one transaction here; each one is guarded and idempotent.
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storage.Wrap("create table", spec.Name, fmt.Errorf("exec %q: %w", stmt, err))
		}
	}
	return nil
}

type columnInfo struct {
	Name string `db:"name"`
	Type string `db:"type"`
}

func (s *Store) Columns(ctx context.Context, table string) ([]storage.Column, error) {
	var infos []columnInfo
	q := s.db.Rebind(`SELECT c.name AS name, TYPE_NAME(c.user_type_id) AS type
FROM sys.columns c
WHERE c.object_id = OBJECT_ID(?)
ORDER BY c.column_id`)
	if err := s.db.SelectContext(ctx, &infos, q, mssqlTableIdent(table)); err != nil {
		return nil, storage.Wrap("columns", table, err)
	}
	if len(infos) == 0 {
		return nil, storage.Wrap("columns", table, fmt.Errorf("no such table"))
	}
	out := make([]storage.Column, 0, len(infos))
	for _, c := range infos {
		typ := strings.ToLower(c.Type)
		out = append(out, storage.Column{
			Name:     c.Name,
			DBType:   typ,
			Temporal: strings.HasPrefix(typ, "date") || strings.HasSuffix(typ, "datetime"),
		})
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, table, key string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	keyIdx := indexOf(columns, key)
	if keyIdx < 0 {
		return 0, storage.Wrap("upsert", table, fmt.Errorf("key column %q not in columns", key))
	}

	var total int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		size := storage.ChunkRows(paramLimit, len(columns), 1000)
		for _, chunk := range storage.Chunks(dedupeRowsByKey(rows, keyIdx), size) {
			q, args := buildMergeSQL(table, key, columns, chunk)
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
		var active []string
		for _, q := range buildSelectActiveSQL(table, key, opts.Scope) {
			query, args, err := sqlx.In(q.sql, q.args...)
			if err != nil {
				return err
			}
			var keys []string
			if err := tx.SelectContext(ctx, &keys, tx.Rebind(query), args...); err != nil {
				return err
			}
			active = append(active, keys...)
		}

		for _, chunk := range storage.Chunks(storage.StaleKeys(active, keep), paramLimit-1) {
			query, args, err := sqlx.In(buildMarkStaleSQL(table, key), opts.At, chunk)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
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

var _ storage.Store = (*Store)(nil)
