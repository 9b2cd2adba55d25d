package sqlite

import (
	"fmt"
	"strings"
	"time"

	"planfixsync/internal/storage"
)

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildCreateSQL renders the table and its indexes. SQLite has no COMMENT ON,
// so table and column comments are not emitted.
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	parts := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), sqliteType(c.Type))
		if c.Name == t.Key {
			col += " PRIMARY KEY NOT NULL"
		} else if c.NotNull {
			col += " NOT NULL"
		}
		switch c.Default {
		case storage.DefaultFalse:
			col += " DEFAULT FALSE"
		case storage.DefaultNow:
			col += " DEFAULT CURRENT_TIMESTAMP"
		}
		parts = append(parts, col)
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")),
	}
	for _, ix := range t.Indexes {
		cols := make([]string, len(ix.Columns))
		for i, c := range ix.Columns {
			cols[i] = sqlIdent(c)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			sqlIdent(ix.Name), sqlIdent(t.Name), strings.Join(cols, ", ")))
	}
	return stmts, nil
}

func sqliteType(t storage.Type) string {
	switch t {
	case storage.TypeBigInt:
		return "INTEGER"
	case storage.TypeNumeric:
		// TEXT affinity keeps exact decimal digits; the name keeps the type
		// recoverable from pragma_table_info.
		return "DECIMAL TEXT"
	case storage.TypeBoolean:
		return "BOOLEAN"
	case storage.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// buildUpsertSQL constructs INSERT ... ON CONFLICT DO UPDATE with ? binds.
// time.Time args are rewritten to RFC3339Nano strings.
func buildUpsertSQL(table, key string, columns []string, rows [][]any) (string, []any) {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = sqlIdent(c)
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", sqlIdent(table), strings.Join(cols, ", "))
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		for _, v := range row {
			args = append(args, bindValue(v))
		}
	}

	var sets []string
	for _, c := range columns {
		if c == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", sqlIdent(c), sqlIdent(c)))
	}
	fmt.Fprintf(&b, " ON CONFLICT (%s)", sqlIdent(key))
	if len(sets) == 0 {
		b.WriteString(" DO NOTHING;")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
		b.WriteString(";")
	}
	return b.String(), args
}

func bindValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatSQLiteTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return formatSQLiteTime(*t)
	default:
		return v
	}
}
