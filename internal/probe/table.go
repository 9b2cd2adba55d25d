package probe

import (
	"fmt"
	"strings"

	"planfixsync/internal/analytic"
	"planfixsync/internal/storage"
)

// StorageType maps a value domain to the backend-neutral column type.
func StorageType(d analytic.Domain) storage.Type {
	switch d {
	case analytic.DomainInteger:
		return storage.TypeBigInt
	case analytic.DomainNumeric:
		return storage.TypeNumeric
	case analytic.DomainBoolean:
		return storage.TypeBoolean
	case analytic.DomainTimestamp:
		return storage.TypeTimestamp
	default:
		return storage.TypeText
	}
}

// DomainOf is the inverse of StorageType.
func DomainOf(t storage.Type) analytic.Domain {
	switch t {
	case storage.TypeBigInt:
		return analytic.DomainInteger
	case storage.TypeNumeric:
		return analytic.DomainNumeric
	case storage.TypeBoolean:
		return analytic.DomainBoolean
	case storage.TypeTimestamp:
		return analytic.DomainTimestamp
	default:
		return analytic.DomainText
	}
}

// Pin returns a copy of s whose column domains follow the existing table
// columns, so values are converted for the types the table was created
// with. Columns the table lacks, or reports without a type, keep their
// inferred domain. changed lists the columns whose domain differs from
// inference.
func (s *Schema) Pin(cols []storage.Column) (pinned *Schema, changed []string) {
	if s == nil {
		return nil, nil
	}
	types := make(map[string]storage.Type, len(cols))
	for _, c := range cols {
		if c.DBType != "" {
			types[c.Name] = c.Type()
		}
	}

	pinned = &Schema{
		Columns:  make([]analytic.ColumnSpec, len(s.Columns)),
		Warnings: s.Warnings,
		bySource: s.bySource,
	}
	for i, c := range s.Columns {
		if t, ok := types[c.Name]; ok {
			if d := DomainOf(t); d != c.Domain {
				c.Domain = d
				changed = append(changed, c.Name)
			}
		}
		pinned.Columns[i] = c
	}
	return pinned, changed
}

// TableSpec lays out the analytics table for s: the key column, the fixed
// correlation columns, one column per inferred field (plus its handbook id
// column), then the reconciliation metadata.
//
// An empty keyColumn falls back to analytic.ColumnKey.
func TableSpec(s *Schema, table, keyColumn, analyticKey string) storage.TableSpec {
	if strings.TrimSpace(keyColumn) == "" {
		keyColumn = analytic.ColumnKey
	}

	cols := []storage.ColumnDef{
		{Name: keyColumn, Type: storage.TypeText, NotNull: true, Comment: "task/action/entry composite key"},
		{Name: analytic.ColumnTaskID, Type: storage.TypeBigInt},
		{Name: analytic.ColumnActionID, Type: storage.TypeBigInt},
		{Name: analytic.ColumnAnalyticKey, Type: storage.TypeText},
		{Name: analytic.ColumnOrderNumber, Type: storage.TypeText},
	}
	if s != nil {
		for _, c := range s.Columns {
			cols = append(cols, storage.ColumnDef{Name: c.Name, Type: StorageType(c.Domain), Comment: c.SourceName})
			if c.HasReference {
				cols = append(cols, storage.ColumnDef{
					Name:    c.HandbookColumn(),
					Type:    storage.TypeText,
					Comment: c.SourceName + " (handbook id)",
				})
			}
		}
	}
	cols = append(cols,
		storage.ColumnDef{Name: analytic.ColumnUpdatedAt, Type: storage.TypeTimestamp, NotNull: true, Default: storage.DefaultNow},
		storage.ColumnDef{Name: analytic.ColumnIsDeleted, Type: storage.TypeBoolean, NotNull: true, Default: storage.DefaultFalse},
	)

	var indexes []storage.IndexSpec
	for _, c := range []string{analytic.ColumnTaskID, analytic.ColumnUpdatedAt, analytic.ColumnIsDeleted} {
		indexes = append(indexes, storage.IndexSpec{Name: storage.IndexName(table, c), Columns: []string{c}})
	}

	return storage.TableSpec{
		Name:    table,
		Key:     keyColumn,
		Columns: cols,
		Indexes: indexes,
		Comment: fmt.Sprintf("Planfix analytics data for key %s", analyticKey),
	}
}
