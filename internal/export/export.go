// Package export runs one sync batch: discover the analytic structure, fetch
// entries per task, assemble records and reconcile them with the table.
package export

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"planfixsync/internal/analytic"
	"planfixsync/internal/assemble"
	"planfixsync/internal/extract"
	"planfixsync/internal/logging"
	"planfixsync/internal/metrics"
	"planfixsync/internal/planfix"
	"planfixsync/internal/probe"
	"planfixsync/internal/reconcile"
	"planfixsync/internal/report"
	"planfixsync/internal/storage"
)

// Fetch modes.
const (
	ModeTasks     = "tasks"
	ModeActions   = "actions"
	ModeCondition = "condition"
)

// ErrNoStructure is returned when the discovery query yields no entries, so
// no schema can be inferred.
var ErrNoStructure = errors.New("export: discovery returned no analytic entries")

// ErrPartial is wrapped by Run when the fetched records were reconciled but
// some entities failed to fetch.
var ErrPartial = report.ErrPartial

type Options struct {
	AnalyticKey string
	Table       string
	KeyColumn   string
	Mode        string

	// Concurrency bounds parallel per-task fetches. Defaults to 1.
	Concurrency int

	// RequireAttached skips tasks whose detail lists analytics but not
	// AnalyticKey.
	RequireAttached bool

	// MaxTasks caps the tasks scanned in one run. Zero scans all.
	MaxTasks int

	// AllowEmpty lets an empty batch soft-delete every active row.
	AllowEmpty bool
}

// Exporter runs export batches. One Exporter may run many batches
// sequentially.
type Exporter struct {
	api   *planfix.API
	store storage.Store
	opts  Options
	log   zerolog.Logger
}

func New(api *planfix.API, store storage.Store, opts Options, log zerolog.Logger) *Exporter {
	if opts.Mode == "" {
		opts.Mode = ModeTasks
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if strings.TrimSpace(opts.KeyColumn) == "" {
		opts.KeyColumn = analytic.ColumnKey
	}
	return &Exporter{
		api:   api,
		store: store,
		opts:  opts,
		log:   log.With().Str("component", "export").Str("analytic_key", opts.AnalyticKey).Logger(),
	}
}

// Discover issues the structure-discovery query and infers the schema from
// the entries it returns.
func (e *Exporter) Discover(ctx context.Context) (*probe.Schema, error) {
	return Discover(ctx, e.api, e.opts.AnalyticKey, e.log)
}

// Discover is the standalone form used by the infer and create-table
// commands, which have no store.
func Discover(ctx context.Context, api *planfix.API, analyticKey string, log zerolog.Logger) (*probe.Schema, error) {
	start := time.Now()
	resp, err := api.GetAnalyticData(ctx, analyticKey, 0)
	metrics.RecordStep("discover", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("export: discover analytic %s: %w", analyticKey, err)
	}
	entries := extract.Collect(resp.Root)
	if n := extract.Skipped(resp.Root); n > 0 {
		log.Warn().Int("skipped", n).Msg("discovery entries without key skipped")
	}
	if len(entries) == 0 {
		return nil, ErrNoStructure
	}
	s := probe.Infer(entries)
	for _, w := range s.Warnings {
		log.Warn().Msg(w)
	}
	log.Info().Int("entries", len(entries)).Int("columns", len(s.Columns)).Msg("structure discovered")
	return s, nil
}

// Run executes one batch and returns its report. The report is returned
// even when err is non-nil. A run where some entities failed returns an
// error wrapping ErrPartial after reconciling the rest.
func (e *Exporter) Run(ctx context.Context) (*report.Report, error) {
	rep := report.New(e.opts.Table, e.opts.AnalyticKey, e.opts.KeyColumn)
	rep.Mode = e.opts.Mode
	ctx = logging.WithRun(logging.WithLogger(ctx, e.log), rep.RunID.String())

	err := e.run(ctx, rep)
	rep.Finish(err)

	log := logging.FromContext(ctx)
	switch {
	case errors.Is(err, ErrPartial):
		log.Warn().Err(err).Msg("export finished with failed entities")
	case err != nil:
		log.Error().Err(err).Msg("export failed")
	}
	metrics.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": rep.Status(), "mode": e.opts.Mode})
	return rep, err
}

func (e *Exporter) run(ctx context.Context, rep *report.Report) error {
	log := logging.FromContext(ctx)
	inferred, err := Discover(ctx, e.api, e.opts.AnalyticKey, log)
	if err != nil {
		return err
	}

	// Values are converted for the types the table was created with; a
	// later sample may infer a different domain.
	cols, err := e.store.Columns(ctx, e.opts.Table)
	if err != nil {
		return storage.Wrap("columns", e.opts.Table, err)
	}
	schema, changed := inferred.Pin(cols)
	for _, name := range changed {
		log.Warn().Str("column", name).Msg("inferred type differs from the table; table type used")
	}
	asm := assemble.New(schema, e.opts.KeyColumn, log)

	start := time.Now()
	var batches []batch
	switch e.opts.Mode {
	case ModeTasks, ModeActions:
		batches, err = e.fetchTasks(ctx, log)
	case ModeCondition:
		batches, err = e.fetchCondition(ctx)
	default:
		err = fmt.Errorf("export: unknown mode %q", e.opts.Mode)
	}
	metrics.RecordStep("fetch", err, time.Since(start))
	if err != nil {
		return err
	}

	var (
		records []analytic.Record
		scope   []any
		partial = e.opts.MaxTasks > 0
	)
	for _, b := range batches {
		switch {
		case b.err != nil:
			rep.EntitiesFailed++
			partial = true
			continue
		case b.skipped:
			rep.EntitiesSkipped++
		default:
			rep.EntitiesProcessed++
		}
		if b.taskID > 0 {
			scope = append(scope, b.taskID)
		}
		for _, en := range b.entries {
			rec, warns := asm.Assemble(en.Entry, en.ctx)
			rep.Warnings += len(warns)
			records = append(records, rec)
			rep.AddOrder(en.ctx.OrderNumber)
		}
	}
	rep.RecordsExported = len(records)
	metrics.AddRecords("extracted", len(records))

	if rep.EntitiesFailed > 0 && rep.EntitiesProcessed == 0 && rep.EntitiesSkipped == 0 {
		return fmt.Errorf("export: all %d entities failed", rep.EntitiesFailed)
	}

	opts := reconcile.Options{
		Table:      e.opts.Table,
		KeyColumn:  e.opts.KeyColumn,
		AllowEmpty: e.opts.AllowEmpty,
	}
	if partial && e.opts.Mode != ModeCondition {
		opts.Scope = &storage.Scope{Column: analytic.ColumnTaskID, Values: scope}
		log.Warn().Int("entities", len(scope)).Msg("stale marking scoped to fetched entities")
	}

	res, err := reconcile.New(e.store, opts, log).Run(ctx, records)
	rep.Upserted = res.Upserted
	rep.MarkedStale = res.MarkedStale
	rep.Warnings += res.Warnings
	rep.Dropped = res.Dropped
	if err != nil {
		return err
	}
	if rep.EntitiesFailed > 0 {
		return fmt.Errorf("export: %d of %d entities failed: %w", rep.EntitiesFailed, len(batches), ErrPartial)
	}
	return nil
}

// orderNumber falls back to TASK_<id> when a task has no number.
func orderNumber(t planfix.Task) string {
	if n := strings.TrimSpace(t.Number); n != "" {
		return n
	}
	return "TASK_" + strconv.FormatInt(t.ID, 10)
}
