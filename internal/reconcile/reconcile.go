// Package reconcile writes a batch of records to the store and soft-deletes
// rows the batch no longer contains.
//
// A run moves through START -> FETCH_COLUMNS -> UPSERT -> MARK_STALE -> DONE.
// FAILED is reachable from every step. Each write step is one transaction:
//   - a failure before or during UPSERT leaves the table untouched;
//   - a MARK_STALE failure keeps the committed upsert and reports
//     ErrMarkStale.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"planfixsync/internal/analytic"
	"planfixsync/internal/metrics"
	"planfixsync/internal/normalize"
	"planfixsync/internal/probe"
	"planfixsync/internal/storage"
)

// ErrMarkStale marks a failure of the soft-delete step after a successful
// upsert.
var ErrMarkStale = errors.New("reconcile: mark stale failed")

type State int

const (
	StateStart State = iota
	StateFetchColumns
	StateUpsert
	StateMarkStale
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateFetchColumns:
		return "FETCH_COLUMNS"
	case StateUpsert:
		return "UPSERT"
	case StateMarkStale:
		return "MARK_STALE"
	case StateDone:
		return "DONE"
	default:
		return "FAILED"
	}
}

// Options configures a Reconciler.
type Options struct {
	Table     string
	KeyColumn string

	// AllowEmpty lets an empty batch proceed to MARK_STALE, soft-deleting
	// every active row in scope. When false an empty batch is a no-op.
	AllowEmpty bool

	// Scope limits MARK_STALE to rows owned by these entities.
	Scope *storage.Scope
}

// Result summarizes one run.
type Result struct {
	State       State
	Columns     []string
	Upserted    int64
	MarkedStale int64

	// Dropped lists record keys that are not table columns.
	Dropped []string

	// Duplicates counts records replaced by a later record with the same key.
	Duplicates int

	// Warnings counts values that could not be conformed to their column.
	Warnings int
}

type Reconciler struct {
	store storage.Store
	opts  Options
	log   zerolog.Logger
	now   func() time.Time
}

func New(store storage.Store, opts Options, log zerolog.Logger) *Reconciler {
	if strings.TrimSpace(opts.KeyColumn) == "" {
		opts.KeyColumn = analytic.ColumnKey
	}
	return &Reconciler{
		store: store,
		opts:  opts,
		log:   log.With().Str("component", "reconcile").Str("table", opts.Table).Logger(),
		now:   time.Now,
	}
}

// Run reconciles records with the table.
func (r *Reconciler) Run(ctx context.Context, records []analytic.Record) (Result, error) {
	res := Result{State: StateStart}
	now := r.now().UTC()

	if len(records) == 0 && !r.opts.AllowEmpty {
		r.log.Warn().Msg("empty batch; skipping upsert and stale marking")
		res.State = StateDone
		return res, nil
	}

	// FETCH_COLUMNS
	res.State = StateFetchColumns
	start := time.Now()
	cols, err := r.store.Columns(ctx, r.opts.Table)
	metrics.RecordStep("fetch_columns", err, time.Since(start))
	if err != nil {
		res.State = StateFailed
		return res, storage.Wrap("columns", r.opts.Table, err)
	}
	for _, c := range cols {
		res.Columns = append(res.Columns, c.Name)
	}
	if indexOf(res.Columns, r.opts.KeyColumn) < 0 {
		res.State = StateFailed
		return res, &storage.StoreError{Op: "columns", Table: r.opts.Table, Err: fmt.Errorf("key column %q missing", r.opts.KeyColumn)}
	}

	rows, keys := r.conform(cols, records, now, &res)

	// UPSERT
	res.State = StateUpsert
	if len(rows) > 0 {
		start = time.Now()
		n, err := r.store.Upsert(ctx, r.opts.Table, r.opts.KeyColumn, res.Columns, rows)
		metrics.RecordStep("upsert", err, time.Since(start))
		if err != nil {
			res.State = StateFailed
			return res, storage.Wrap("upsert", r.opts.Table, err)
		}
		res.Upserted = n
		metrics.AddRecords("upserted", len(rows))
	}

	// MARK_STALE
	res.State = StateMarkStale
	start = time.Now()
	n, err := r.store.MarkStale(ctx, r.opts.Table, r.opts.KeyColumn, keys, storage.StaleOptions{Scope: r.opts.Scope, At: now})
	metrics.RecordStep("mark_stale", err, time.Since(start))
	if err != nil {
		res.State = StateFailed
		r.log.Error().Err(err).Int64("upserted", res.Upserted).Msg("stale marking failed; upsert kept")
		return res, fmt.Errorf("%w: %w", ErrMarkStale, storage.Wrap("mark stale", r.opts.Table, err))
	}
	res.MarkedStale = n
	metrics.AddRecords("stale", int(n))

	res.State = StateDone
	r.log.Info().
		Int64("upserted", res.Upserted).
		Int64("marked_stale", res.MarkedStale).
		Int("duplicates", res.Duplicates).
		Msg("reconciled")
	return res, nil
}

// conform aligns records to the table columns. Missing columns get their
// defaults, unknown keys are dropped, and a repeated key replaces the
// earlier row in place. Values are converted for the column types the table
// reports, not for the domains the records were assembled with.
func (r *Reconciler) conform(cols []storage.Column, records []analytic.Record, now time.Time, res *Result) ([][]any, []string) {
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c.Name] = true
	}
	dropped := map[string]bool{}

	rows := make([][]any, 0, len(records))
	keys := make([]string, 0, len(records))
	pos := make(map[string]int, len(records))

	for _, rec := range records {
		key := rec.Key(r.opts.KeyColumn)
		if key == "" {
			r.log.Warn().Msg("record without key skipped")
			continue
		}
		for name := range rec {
			if !known[name] && !dropped[name] {
				dropped[name] = true
				res.Dropped = append(res.Dropped, name)
				r.log.Warn().Str("column", name).Msg("record field is not a table column; dropped")
			}
		}

		row := make([]any, len(cols))
		for i, c := range cols {
			v, ok := rec[c.Name]
			if !ok {
				row[i] = defaultValue(c.Name, now)
				continue
			}
			if c.Temporal {
				var warned bool
				v, warned = conformTemporal(v)
				if warned {
					res.Warnings++
					r.log.Warn().Str("column", c.Name).Str("key", key).Interface("value", rec[c.Name]).Msg("unparseable timestamp; stored as NULL")
				}
			} else if c.DBType != "" {
				var warned bool
				v, warned = conformValue(v, c.Type())
				if warned {
					res.Warnings++
					r.log.Warn().Str("column", c.Name).Str("db_type", c.DBType).Str("key", key).Interface("value", rec[c.Name]).Msg("value does not fit column type; stored as NULL")
				}
			}
			row[i] = v
		}

		if i, dup := pos[key]; dup {
			rows[i] = row
			res.Duplicates++
			continue
		}
		pos[key] = len(rows)
		rows = append(rows, row)
		keys = append(keys, key)
	}
	sort.Strings(res.Dropped)
	return rows, keys
}

func defaultValue(column string, now time.Time) any {
	switch column {
	case analytic.ColumnIsDeleted:
		return false
	case analytic.ColumnUpdatedAt:
		return now
	default:
		return nil
	}
}

// conformTemporal parses string values bound for date/time columns. The
// second return is true when a non-empty value could not be parsed.
func conformTemporal(v any) (any, bool) {
	s, ok := v.(string)
	if !ok {
		return v, false
	}
	if strings.TrimSpace(s) == "" {
		return nil, false
	}
	t, ok := normalize.ParseTimestamp(s)
	if !ok {
		return nil, true
	}
	return t, false
}

// conformValue converts v for a column of type t. String values bound for
// numeric or boolean columns are normalized; typed values bound for text
// columns are formatted. The second return is true when v could not be
// converted.
func conformValue(v any, t storage.Type) (any, bool) {
	switch t {
	case storage.TypeBigInt, storage.TypeNumeric, storage.TypeBoolean:
		s, ok := v.(string)
		if !ok {
			return v, false
		}
		out, err := normalize.Value(s, probe.DomainOf(t))
		if err != nil {
			return nil, true
		}
		return out, false
	case storage.TypeText:
		switch x := v.(type) {
		case int64:
			return strconv.FormatInt(x, 10), false
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), false
		case bool:
			return strconv.FormatBool(x), false
		}
	}
	return v, false
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}
