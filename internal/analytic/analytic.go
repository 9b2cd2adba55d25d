// Package analytic holds the shared data model of the sync pipeline: entries
// extracted from Planfix responses, the inferred column specs, and the flat
// records handed to the reconciler.
package analytic

import (
	"fmt"
	"strings"
)

// Fixed column names present in every analytics table.
const (
	ColumnKey         = "reconciliation_key"
	ColumnTaskID      = "task_id"
	ColumnActionID    = "action_id"
	ColumnAnalyticKey = "analytic_key"
	ColumnOrderNumber = "order_number"
	ColumnUpdatedAt   = "updated_at"
	ColumnIsDeleted   = "is_deleted"

	// HandbookSuffix is appended to a column name to hold the handbook reference id.
	HandbookSuffix = "_handbook_id"
)

// Observation is one field value of an analytic entry.
type Observation struct {
	FieldID     string
	Name        string
	Value       string
	ReferenceID string
}

// HasReference reports whether the value is a handbook display label.
func (o Observation) HasReference() bool {
	return strings.TrimSpace(o.ReferenceID) != ""
}

// Entry is one logical analytic record identified by Key.
//
// EntityID and SubEventID are optional; they are set only when the response
// carries them next to the entry.
type Entry struct {
	Key        string
	EntityID   string
	SubEventID string
	Fields     []Observation
}

// Domain is the value-domain classification of a column.
type Domain int

const (
	DomainText Domain = iota
	DomainInteger
	DomainNumeric
	DomainBoolean
	DomainTimestamp
)

func (d Domain) String() string {
	switch d {
	case DomainInteger:
		return "INTEGER"
	case DomainNumeric:
		return "NUMERIC"
	case DomainBoolean:
		return "BOOLEAN"
	case DomainTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// MarshalText renders the domain by name so schema dumps stay readable.
func (d Domain) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ParseDomain is the inverse of Domain.String.
func ParseDomain(s string) (Domain, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TEXT":
		return DomainText, nil
	case "INTEGER":
		return DomainInteger, nil
	case "NUMERIC":
		return DomainNumeric, nil
	case "BOOLEAN":
		return DomainBoolean, nil
	case "TIMESTAMP":
		return DomainTimestamp, nil
	}
	return DomainText, fmt.Errorf("analytic: unknown domain %q", s)
}

// ColumnSpec describes one inferred column. It is built once during schema
// inference and is read-only afterwards.
type ColumnSpec struct {
	Name         string   `json:"name"`
	SourceName   string   `json:"source_name"`
	FieldID      string   `json:"field_id,omitempty"`
	Domain       Domain   `json:"domain"`
	HasReference bool     `json:"has_reference"`
	Examples     []string `json:"examples,omitempty"`
}

// HandbookColumn returns the name of the reference-id column for c.
func (c ColumnSpec) HandbookColumn() string {
	return c.Name + HandbookSuffix
}

// Record maps column name to typed value. Absent values are nil, never omitted.
type Record map[string]any

// Key returns the reconciliation key stored under column, or "" when missing.
func (r Record) Key(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
