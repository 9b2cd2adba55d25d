package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"planfixsync/internal/storage"
)

// inChunk bounds IN lists; pgx allows 65535 parameters per statement but
// smaller lists keep plans cheap.
const inChunk = 2000

// paramLimit is the Postgres wire limit on bind parameters.
const paramLimit = 65535

func init() {
	storage.Register("postgres", Open)
	storage.RegisterDDL("postgres", buildCreateSQL)
}

/*
Store implements storage.Store for Postgres.

It provides:
  - DDL with CREATE SCHEMA for qualified names, indexes and comments
  - INSERT ... ON CONFLICT DO UPDATE upserts
  - Transactional soft-delete marking
*/
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a pool for cfg.DSN and verifies it with a ping.
func Open(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return storage.Wrap("ping", "", s.pool.Ping(ctx))
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateTableSQL(spec storage.TableSpec) ([]string, error) {
	return buildCreateSQL(spec)
}

// EnsureTable runs the DDL in one transaction. Every statement is
// idempotent, so re-running against an existing table is a no-op.
func (s *Store) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	stmts, err := buildCreateSQL(spec)
	if err != nil {
		return storage.Wrap("create table", spec.Name, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.Wrap("create table", spec.Name, err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return storage.Wrap("create table", spec.Name, fmt.Errorf("exec %q: %w", firstLine(stmt), err))
		}
	}
	return storage.Wrap("create table", spec.Name, tx.Commit(ctx))
}

// Columns reads the result shape of an empty SELECT, which reflects the
// table exactly as the database sees it.
func (s *Store) Columns(ctx context.Context, table string) ([]storage.Column, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", pgTableIdent(table)))
	if err != nil {
		return nil, storage.Wrap("columns", table, err)
	}
	fields := rows.FieldDescriptions()
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("columns", table, err)
	}

	types := pgtype.NewMap()
	out := make([]storage.Column, 0, len(fields))
	for _, f := range fields {
		c := storage.Column{Name: f.Name, DBType: fmt.Sprintf("oid:%d", f.DataTypeOID)}
		if t, ok := types.TypeForOID(f.DataTypeOID); ok {
			c.DBType = t.Name
		}
		switch f.DataTypeOID {
		case pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
			c.Temporal = true
		}
		out = append(out, c)
	}
	return out, nil
}

// Upsert writes rows in one transaction, in chunks that stay under the bind
// parameter limit.
func (s *Store) Upsert(ctx context.Context, table, key string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storage.Wrap("upsert", table, err)
	}
	defer tx.Rollback(ctx)

	var total int64
	size := storage.ChunkRows(paramLimit, len(columns), 1000)
	for _, chunk := range storage.Chunks(rows, size) {
		sql, args := buildUpsertSQL(table, key, columns, chunk)
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return 0, storage.Wrap("upsert", table, err)
		}
		total += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storage.Wrap("upsert", table, err)
	}
	return total, nil
}

// MarkStale selects the active keys inside a transaction, diffs them against
// keep and flags the difference.
func (s *Store) MarkStale(ctx context.Context, table, key string, keep []string, opts storage.StaleOptions) (int64, error) {
	if opts.Scope != nil && len(opts.Scope.Values) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storage.Wrap("mark stale", table, err)
	}
	defer tx.Rollback(ctx)

	var active []string
	for _, q := range buildSelectActiveSQL(table, key, opts.Scope) {
		rows, err := tx.Query(ctx, q.sql, q.args...)
		if err != nil {
			return 0, storage.Wrap("mark stale", table, err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return 0, storage.Wrap("mark stale", table, err)
			}
			active = append(active, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, storage.Wrap("mark stale", table, err)
		}
	}

	var total int64
	for _, chunk := range storage.Chunks(storage.StaleKeys(active, keep), inChunk) {
		sql, args := buildMarkStaleSQL(table, key, chunk, opts.At)
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return 0, storage.Wrap("mark stale", table, err)
		}
		total += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storage.Wrap("mark stale", table, err)
	}
	return total, nil
}

var _ storage.Store = (*Store)(nil)
