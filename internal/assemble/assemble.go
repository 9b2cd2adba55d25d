// Package assemble turns extracted entries into flat records shaped by the
// inferred schema.
package assemble

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"planfixsync/internal/analytic"
	"planfixsync/internal/normalize"
	"planfixsync/internal/probe"
)

// Context carries the ids known by the caller for the entries of one fetch.
type Context struct {
	EntityID    string
	SubEventID  string
	OrderNumber string
	AnalyticKey string
}

// UnknownFieldError reports a field that has no column in the schema.
type UnknownFieldError struct {
	Name string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("assemble: field %q has no column; value dropped", e.Name)
}

// Key builds the reconciliation key:
//
//	entry                 no entity, no sub-event
//	entity_entry          no sub-event
//	entity_subevent_entry entity may be empty ("_7_55")
//
// The entity slot is kept whenever a sub-event is present, so keys stay
// distinct for underscore-free ids. Identical inputs always give identical
// keys.
func Key(c Context, entryKey string) string {
	entity := strings.TrimSpace(c.EntityID)
	sub := strings.TrimSpace(c.SubEventID)
	entryKey = strings.TrimSpace(entryKey)
	switch {
	case sub != "":
		return entity + "_" + sub + "_" + entryKey
	case entity != "":
		return entity + "_" + entryKey
	default:
		return entryKey
	}
}

// Assembler builds records against a fixed schema. It is safe for
// concurrent use.
type Assembler struct {
	schema    *probe.Schema
	keyColumn string
	log       zerolog.Logger

	now func() time.Time

	mu     sync.Mutex
	warned map[string]bool
}

// New returns an Assembler for schema. An empty keyColumn uses
// analytic.ColumnKey.
func New(schema *probe.Schema, keyColumn string, log zerolog.Logger) *Assembler {
	if strings.TrimSpace(keyColumn) == "" {
		keyColumn = analytic.ColumnKey
	}
	return &Assembler{
		schema:    schema,
		keyColumn: keyColumn,
		log:       log.With().Str("component", "assemble").Logger(),
		now:       time.Now,
		warned:    map[string]bool{},
	}
}

// KeyColumn is the column the reconciliation key is stored under.
func (a *Assembler) KeyColumn() string { return a.keyColumn }

// Columns lists every column a record from this assembler carries, fixed
// columns first.
func (a *Assembler) Columns() []string {
	out := []string{
		a.keyColumn,
		analytic.ColumnTaskID,
		analytic.ColumnActionID,
		analytic.ColumnAnalyticKey,
		analytic.ColumnOrderNumber,
	}
	out = append(out, a.schema.ColumnNames()...)
	return append(out, analytic.ColumnUpdatedAt, analytic.ColumnIsDeleted)
}

// Assemble builds the record for e. Every schema column is present, nil when
// the entry has no usable value for it.
//
// The returned errors are non-fatal: *normalize.Warning for values that did
// not convert and *UnknownFieldError for fields outside the schema.
func (a *Assembler) Assemble(e analytic.Entry, c Context) (analytic.Record, []error) {
	if e.EntityID != "" {
		c.EntityID = e.EntityID
	}
	if e.SubEventID != "" {
		c.SubEventID = e.SubEventID
	}

	rec := make(analytic.Record, len(a.schema.Columns)*2+7)
	for _, name := range a.schema.ColumnNames() {
		rec[name] = nil
	}

	var warns []error
	rec[a.keyColumn] = Key(c, e.Key)
	rec[analytic.ColumnTaskID] = a.parseID(c.EntityID, analytic.ColumnTaskID, &warns)
	rec[analytic.ColumnActionID] = a.parseID(c.SubEventID, analytic.ColumnActionID, &warns)
	rec[analytic.ColumnAnalyticKey] = nilIfEmpty(c.AnalyticKey)
	rec[analytic.ColumnOrderNumber] = nilIfEmpty(c.OrderNumber)

	for _, f := range e.Fields {
		spec, ok := a.schema.Lookup(f.Name)
		if !ok {
			warns = append(warns, &UnknownFieldError{Name: f.Name})
			a.warnOnce(f.Name)
			continue
		}
		v, err := normalize.Value(f.Value, spec.Domain)
		if err != nil {
			warns = append(warns, err)
		}
		rec[spec.Name] = v
		if spec.HasReference {
			rec[spec.HandbookColumn()] = nilIfEmpty(f.ReferenceID)
		}
	}

	rec[analytic.ColumnUpdatedAt] = a.now().UTC()
	rec[analytic.ColumnIsDeleted] = false
	return rec, warns
}

func (a *Assembler) parseID(raw, column string, warns *[]error) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*warns = append(*warns, &normalize.Warning{Value: raw, Domain: analytic.DomainInteger, Reason: column + " is not numeric"})
		return nil
	}
	return n
}

func (a *Assembler) warnOnce(field string) {
	a.mu.Lock()
	first := !a.warned[field]
	a.warned[field] = true
	a.mu.Unlock()
	if first {
		a.log.Warn().Str("field", field).Msg("field not in schema; values dropped")
	}
}

func nilIfEmpty(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
