package mssql

import (
	"fmt"
	"strings"

	"planfixsync/internal/analytic"
	"planfixsync/internal/storage"
)

// inChunk bounds scope IN lists.
const inChunk = 2000

// buildCreateSQL renders guarded DDL: schema, table, indexes and the table
// description as an MS_Description extended property.
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	schema, base := splitQualifiedName(t.Name)
	var stmts []string
	if schema != "dbo" {
		stmts = append(stmts, fmt.Sprintf(
			"IF SCHEMA_ID(N'%s') IS NULL EXEC(N'CREATE SCHEMA %s');",
			escapeLiteral(schema), escapeLiteral(mssqlIdent(schema))))
	}

	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		defs = append(defs, mssqlColumnDef(c, c.Name == t.Key))
	}
	stmts = append(stmts, wrapCreateIfMissing(t.Name, strings.Join(defs, ", ")))

	for _, ix := range t.Indexes {
		cols := make([]string, len(ix.Columns))
		for i, c := range ix.Columns {
			cols[i] = mssqlIdent(c)
		}
		stmts = append(stmts, fmt.Sprintf(
			"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE INDEX %s ON %s (%s);",
			escapeLiteral(ix.Name), escapeLiteral(mssqlTableIdent(t.Name)),
			mssqlIdent(ix.Name), mssqlTableIdent(t.Name), strings.Join(cols, ", ")))
	}

	if t.Comment != "" {
		stmts = append(stmts, fmt.Sprintf(
			"IF NOT EXISTS (SELECT 1 FROM sys.fn_listextendedproperty(N'MS_Description', N'SCHEMA', N'%[1]s', N'TABLE', N'%[2]s', NULL, NULL)) "+
				"EXEC sys.sp_addextendedproperty @name = N'MS_Description', @value = N'%[3]s', "+
				"@level0type = N'SCHEMA', @level0name = N'%[1]s', @level1type = N'TABLE', @level1name = N'%[2]s';",
			escapeLiteral(schema), escapeLiteral(base), escapeLiteral(t.Comment)))
	}
	return stmts, nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTable idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		escapeLiteral(mssqlTableIdent(tableName)),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlColumnDef builds a SQL Server column definition. The key column is
// NVARCHAR(450) because a primary key cannot be NVARCHAR(MAX).
func mssqlColumnDef(c storage.ColumnDef, primary bool) string {
	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	if primary {
		b.WriteString("NVARCHAR(450) NOT NULL PRIMARY KEY")
		return b.String()
	}
	b.WriteString(mssqlType(c.Type))
	if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	switch c.Default {
	case storage.DefaultFalse:
		b.WriteString(" DEFAULT 0")
	case storage.DefaultNow:
		b.WriteString(" DEFAULT SYSUTCDATETIME()")
	}
	return b.String()
}

func mssqlType(t storage.Type) string {
	switch t {
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeNumeric:
		return "DECIMAL(38, 10)"
	case storage.TypeBoolean:
		return "BIT"
	case storage.TypeTimestamp:
		return "DATETIME2"
	default:
		return "NVARCHAR(MAX)"
	}
}

// buildMergeSQL constructs a MERGE with a VALUES source and @pN placeholders.
//
// Example (columns k, v):
//
//	MERGE INTO [t] WITH (HOLDLOCK) AS tgt
//	USING (VALUES (@p1, @p2)) AS src ([k], [v])
//	ON tgt.[k] = src.[k]
//	WHEN MATCHED THEN UPDATE SET tgt.[v] = src.[v]
//	WHEN NOT MATCHED THEN INSERT ([k], [v]) VALUES (src.[k], src.[v]);
func buildMergeSQL(table, key string, columns []string, rows [][]any) (string, []any) {
	cols := make([]string, len(columns))
	srcCols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = mssqlIdent(c)
		srcCols[i] = "src." + mssqlIdent(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS tgt USING (VALUES ", mssqlTableIdent(table))
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
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, ") AS src (%s) ON tgt.%s = src.%s", strings.Join(cols, ", "), mssqlIdent(key), mssqlIdent(key))

	var sets []string
	for _, c := range columns {
		if c == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("tgt.%s = src.%s", mssqlIdent(c), mssqlIdent(c)))
	}
	if len(sets) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);", strings.Join(cols, ", "), strings.Join(srcCols, ", "))
	return b.String(), args
}

type query struct {
	sql  string
	args []any
}

// buildSelectActiveSQL returns sqlx.In-style queries (? binds) listing the
// active keys, locking them until the transaction ends.
func buildSelectActiveSQL(table, key string, scope *storage.Scope) []query {
	base := fmt.Sprintf("SELECT %s FROM %s WITH (UPDLOCK, HOLDLOCK) WHERE %s = 0",
		mssqlIdent(key), mssqlTableIdent(table), mssqlIdent(analytic.ColumnIsDeleted))
	if scope == nil {
		return []query{{sql: base}}
	}
	var out []query
	for _, chunk := range storage.Chunks(scope.Values, inChunk) {
		out = append(out, query{
			sql:  base + " AND " + mssqlIdent(scope.Column) + " IN (?)",
			args: []any{chunk},
		})
	}
	return out
}

// buildMarkStaleSQL is an sqlx.In template taking (at, keys).
func buildMarkStaleSQL(table, key string) string {
	return fmt.Sprintf("UPDATE %s SET %s = 1, %s = ? WHERE %s IN (?) AND %s = 0",
		mssqlTableIdent(table),
		mssqlIdent(analytic.ColumnIsDeleted),
		mssqlIdent(analytic.ColumnUpdatedAt),
		mssqlIdent(key),
		mssqlIdent(analytic.ColumnIsDeleted),
	)
}

// dedupeRowsByKey keeps one row per key. When a key repeats, the last row
// wins but takes the position of the first occurrence.
func dedupeRowsByKey(rows [][]any, keyIdx int) [][]any {
	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		k := storage.NormalizeKey(r[keyIdx])
		if i, ok := pos[k]; ok {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

// splitQualifiedName returns (schema, table), defaulting the schema to dbo.
func splitQualifiedName(name string) (string, string) {
	if i := strings.IndexByte(name, '.'); i > 0 && i < len(name)-1 {
		return name[:i], name[i+1:]
	}
	return "dbo", name
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.imports" -> [dbo].[imports]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
