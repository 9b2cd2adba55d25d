// Package probe infers a column schema from sampled analytic entries.
//
// The probe package is responsible for:
//   - Classifying raw values into value domains
//   - Building one ColumnSpec per distinct field name, in first-seen order
//   - Turning the inferred schema into a storage.TableSpec
//
// Design constraints:
//   - Inference is pure and deterministic; the same entries always give the
//     same schema.
//   - It never fails: conflicts widen, collisions are reported as warnings.
package probe

import (
	"fmt"
	"strconv"
	"strings"

	"planfixsync/internal/analytic"
	"planfixsync/internal/normalize"
)

// maxExamples is the number of distinct sample values kept per column.
const maxExamples = 3

// Schema is the ordered result of inference. It is read-only once returned.
type Schema struct {
	Columns []analytic.ColumnSpec

	// Warnings lists field names that were dropped (collisions, empty names).
	Warnings []string

	bySource map[string]int
}

// Lookup returns the column for a source field name.
func (s *Schema) Lookup(fieldName string) (analytic.ColumnSpec, bool) {
	if s == nil {
		return analytic.ColumnSpec{}, false
	}
	i, ok := s.bySource[strings.TrimSpace(fieldName)]
	if !ok {
		return analytic.ColumnSpec{}, false
	}
	return s.Columns[i], true
}

// ColumnNames returns every data column, each followed by its handbook
// column when it has one.
func (s *Schema) ColumnNames() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		out = append(out, c.Name)
		if c.HasReference {
			out = append(out, c.HandbookColumn())
		}
	}
	return out
}

// Classify returns the narrowest domain for value. ok is false for empty
// input, which carries no type information.
//
// Order: integer, decimal (a separator is present), date/time, boolean
// literal, text. "1" and "0" classify as INTEGER, not BOOLEAN.
func Classify(value string) (domain analytic.Domain, ok bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return analytic.DomainText, false
	}

	if num, isNum := normalize.CleanNumber(v); isNum {
		if !strings.Contains(num, ".") {
			if _, err := strconv.ParseInt(num, 10, 64); err == nil {
				return analytic.DomainInteger, true
			}
		}
		return analytic.DomainNumeric, true
	}
	if _, isTS := normalize.ParseTimestamp(v); isTS {
		return analytic.DomainTimestamp, true
	}
	if _, isBool := normalize.ParseBool(v); isBool {
		return analytic.DomainBoolean, true
	}
	return analytic.DomainText, true
}

// widen merges two observed domains. Equal domains stay; INTEGER and NUMERIC
// widen to NUMERIC; every other conflict widens to TEXT.
func widen(a, b analytic.Domain) analytic.Domain {
	if a == b {
		return a
	}
	if isNumber(a) && isNumber(b) {
		return analytic.DomainNumeric
	}
	return analytic.DomainText
}

func isNumber(d analytic.Domain) bool {
	return d == analytic.DomainInteger || d == analytic.DomainNumeric
}

// reserved column names that an inferred field may not take.
var reserved = map[string]bool{
	analytic.ColumnKey:         true,
	analytic.ColumnTaskID:      true,
	analytic.ColumnActionID:    true,
	analytic.ColumnAnalyticKey: true,
	analytic.ColumnOrderNumber: true,
	analytic.ColumnUpdatedAt:   true,
	analytic.ColumnIsDeleted:   true,
}

type accumulator struct {
	spec       analytic.ColumnSpec
	classified bool
}

// Infer builds the schema for entries. Each distinct field name produces one
// column named normalize.Name(field name). When two names normalize to the
// same column (or to a fixed column), the first wins and the later name is
// recorded in Schema.Warnings.
func Infer(entries []analytic.Entry) *Schema {
	s := &Schema{bySource: map[string]int{}}
	var accs []*accumulator
	byColumn := map[string]int{}
	dropped := map[string]bool{}

	for _, e := range entries {
		for _, f := range e.Fields {
			src := strings.TrimSpace(f.Name)
			idx, known := s.bySource[src]
			if !known {
				if dropped[src] {
					continue
				}
				name := normalize.Name(src)
				reason := ""
				switch {
				case name == "":
					reason = "normalizes to an empty column name"
				case reserved[name]:
					reason = fmt.Sprintf("column %q is reserved", name)
				default:
					if prev, taken := byColumn[name]; taken {
						reason = fmt.Sprintf("column %q already taken by %q", name, accs[prev].spec.SourceName)
					}
				}
				if reason != "" {
					dropped[src] = true
					s.Warnings = append(s.Warnings, fmt.Sprintf("field %q dropped: %s", src, reason))
					continue
				}

				idx = len(accs)
				accs = append(accs, &accumulator{spec: analytic.ColumnSpec{
					Name:       name,
					SourceName: src,
					FieldID:    f.FieldID,
					Domain:     analytic.DomainText,
				}})
				byColumn[name] = idx
				s.bySource[src] = idx
			}
			observe(accs[idx], f)
		}
	}

	// A handbook column may collide with another field's data column
	// ("a" with reference and a field literally named "a_handbook_id").
	for _, a := range accs {
		if !a.spec.HasReference {
			continue
		}
		if other, taken := byColumn[a.spec.HandbookColumn()]; taken {
			s.Warnings = append(s.Warnings, fmt.Sprintf(
				"field %q: handbook column %q collides with field %q; handbook ids not stored",
				a.spec.SourceName, a.spec.HandbookColumn(), accs[other].spec.SourceName))
			a.spec.HasReference = false
		}
	}

	s.Columns = make([]analytic.ColumnSpec, len(accs))
	for i, a := range accs {
		s.Columns[i] = a.spec
	}
	return s
}

func observe(a *accumulator, f analytic.Observation) {
	if f.HasReference() {
		a.spec.HasReference = true
	}
	v := strings.TrimSpace(f.Value)
	d, ok := Classify(v)
	if !ok {
		return
	}
	if !a.classified {
		a.spec.Domain = d
		a.classified = true
	} else {
		a.spec.Domain = widen(a.spec.Domain, d)
	}
	if len(a.spec.Examples) < maxExamples && !contains(a.spec.Examples, v) {
		a.spec.Examples = append(a.spec.Examples, v)
	}
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
