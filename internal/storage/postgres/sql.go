package postgres

import (
	"fmt"
	"strings"
	"time"

	"planfixsync/internal/analytic"
	"planfixsync/internal/storage"
)

// buildCreateSQL renders schema, table, index and comment DDL for spec.
//
// Every statement is safe to re-run: CREATE ... IF NOT EXISTS for objects and
// COMMENT ON, which simply overwrites.
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	var stmts []string
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		stmts = append(stmts, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema)))
	}

	table := pgTableIdent(t.Name)
	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		defs = append(defs, columnDef(c, c.Name == t.Key))
	}
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", table, strings.Join(defs, ",\n  ")))

	for _, ix := range t.Indexes {
		cols := make([]string, len(ix.Columns))
		for i, c := range ix.Columns {
			cols[i] = pgIdent(c)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);", pgIdent(ix.Name), table, strings.Join(cols, ", ")))
	}

	if t.Comment != "" {
		stmts = append(stmts, fmt.Sprintf("COMMENT ON TABLE %s IS %s;", table, pgLiteral(t.Comment)))
	}
	for _, c := range t.Columns {
		if c.Comment != "" {
			stmts = append(stmts, fmt.Sprintf("COMMENT ON COLUMN %s.%s IS %s;", table, pgIdent(c.Name), pgLiteral(c.Comment)))
		}
	}
	return stmts, nil
}

func columnDef(c storage.ColumnDef, primary bool) string {
	var b strings.Builder
	b.WriteString(pgIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(pgType(c.Type))
	if primary {
		b.WriteString(" PRIMARY KEY")
	} else if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	switch c.Default {
	case storage.DefaultFalse:
		b.WriteString(" DEFAULT FALSE")
	case storage.DefaultNow:
		b.WriteString(" DEFAULT NOW()")
	}
	return b.String()
}

func pgType(t storage.Type) string {
	switch t {
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeNumeric:
		return "NUMERIC"
	case storage.TypeBoolean:
		return "BOOLEAN"
	case storage.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// buildUpsertSQL constructs a multi-row INSERT ... ON CONFLICT DO UPDATE and
// its args.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - rows must not repeat a key; Postgres rejects a statement that updates
//     the same row twice.
func buildUpsertSQL(table, key string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(pgIdent(key))
	b.WriteString(")")

	var sets []string
	for _, c := range columns {
		if c == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
	}
	if len(sets) == 0 {
		b.WriteString(" DO NOTHING;")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
		b.WriteString(";")
	}
	return b.String(), args
}

type query struct {
	sql  string
	args []any
}

// buildSelectActiveSQL returns the queries listing active keys. A scope is
// split into IN lists of at most inChunk values.
func buildSelectActiveSQL(table, key string, scope *storage.Scope) []query {
	base := fmt.Sprintf("SELECT %s FROM %s WHERE %s = FALSE",
		pgIdent(key), pgTableIdent(table), pgIdent(analytic.ColumnIsDeleted))
	if scope == nil {
		return []query{{sql: base}}
	}

	var out []query
	for _, chunk := range storage.Chunks(scope.Values, inChunk) {
		out = append(out, query{
			sql:  fmt.Sprintf("%s AND %s IN (%s)", base, pgIdent(scope.Column), placeholders(1, len(chunk))),
			args: chunk,
		})
	}
	return out
}

// buildMarkStaleSQL flags keys as deleted. The is_deleted guard keeps rows
// that were already soft-deleted from getting a new updated_at.
func buildMarkStaleSQL(table, key string, keys []string, at time.Time) (string, []any) {
	args := make([]any, 0, len(keys)+1)
	args = append(args, at)
	for _, k := range keys {
		args = append(args, k)
	}
	sql := fmt.Sprintf("UPDATE %s SET %s = TRUE, %s = $1 WHERE %s IN (%s) AND %s = FALSE",
		pgTableIdent(table),
		pgIdent(analytic.ColumnIsDeleted),
		pgIdent(analytic.ColumnUpdatedAt),
		pgIdent(key),
		placeholders(2, len(keys)),
		pgIdent(analytic.ColumnIsDeleted),
	)
	return sql, args
}

func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	return b.String()
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "analytics.produkty" => ("analytics", "produkty")
//   - "produkty"           => ("", "produkty")
//
// Only a single dot is handled; anything else is treated as unqualified.
func splitQualifiedName(name string) (schema, table string) {
	parts := strings.Split(name, ".")
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return parts[0], parts[1]
	}
	return "", name
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes a possibly schema-qualified table name.
func pgTableIdent(name string) string {
	if schema, table := splitQualifiedName(name); schema != "" {
		return pgIdent(schema) + "." + pgIdent(table)
	}
	return pgIdent(name)
}

func pgLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
