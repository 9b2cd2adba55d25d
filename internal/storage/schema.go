// The TableSpec types live here so probe and every backend package can import
// them without circular deps.
package storage

import (
	"fmt"
	"strings"
)

// Type is a backend-neutral column type. Each backend renders it to its own
// DDL type name.
type Type int

const (
	TypeText Type = iota
	TypeBigInt
	TypeNumeric
	TypeBoolean
	TypeTimestamp
)

func (t Type) String() string {
	switch t {
	case TypeBigInt:
		return "BIGINT"
	case TypeNumeric:
		return "NUMERIC"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// TypeOf maps a type name reported by a database back to the neutral Type.
// It understands the names every backend renders (NUMERIC, int8, bit,
// datetime2, DECIMAL TEXT, ...). Unknown names are TypeText.
func TypeOf(dbType string) Type {
	t := strings.ToLower(strings.TrimSpace(dbType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch {
	case strings.Contains(t, "timestamp"), strings.Contains(t, "datetime"),
		t == "date", t == "time", t == "timetz":
		return TypeTimestamp
	case strings.Contains(t, "decimal"), strings.Contains(t, "numeric"), strings.Contains(t, "double"),
		t == "real", t == "float", t == "float4", t == "float8", t == "money":
		return TypeNumeric
	}
	switch t {
	case "int", "int2", "int4", "int8", "integer", "bigint", "smallint", "tinyint":
		return TypeBigInt
	case "bool", "boolean", "bit":
		return TypeBoolean
	}
	return TypeText
}

// Default is a backend-neutral column default.
type Default int

const (
	DefaultNone Default = iota
	DefaultFalse
	DefaultNow
)

type ColumnDef struct {
	Name    string  `json:"name"`
	Type    Type    `json:"type"`
	NotNull bool    `json:"not_null,omitempty"`
	Default Default `json:"default,omitempty"`
	Comment string  `json:"comment,omitempty"`
}

type IndexSpec struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// TableSpec describes the table the reconciler writes to. Key is the primary
// key column and must be one of Columns.
type TableSpec struct {
	Name    string      `json:"name"`
	Key     string      `json:"key"`
	Columns []ColumnDef `json:"columns"`
	Indexes []IndexSpec `json:"indexes,omitempty"`
	Comment string      `json:"comment,omitempty"`
}

// Validate checks the structural invariants every backend relies on.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		n := strings.ToLower(strings.TrimSpace(c.Name))
		if n == "" {
			return fmt.Errorf("%s: column name is empty", t.Name)
		}
		if seen[n] {
			return fmt.Errorf("%s: duplicate column %q", t.Name, c.Name)
		}
		seen[n] = true
	}
	if !seen[strings.ToLower(t.Key)] {
		return fmt.Errorf("%s: key column %q not in columns", t.Name, t.Key)
	}
	for _, ix := range t.Indexes {
		for _, c := range ix.Columns {
			if !seen[strings.ToLower(c)] {
				return fmt.Errorf("%s: index %s: unknown column %q", t.Name, ix.Name, c)
			}
		}
	}
	return nil
}

// Column returns the definition named name.
func (t TableSpec) Column(name string) (ColumnDef, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// BaseName strips a schema qualifier: "analytics.produkty" -> "produkty".
func BaseName(table string) string {
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[i+1:]
	}
	return table
}

// IndexName builds the conventional index name idx_<table>_<column>.
func IndexName(table, column string) string {
	return "idx_" + BaseName(table) + "_" + column
}
