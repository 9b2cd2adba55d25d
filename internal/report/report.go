// Package report summarizes one sync run for humans.
package report

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrPartial marks a run that reconciled what it fetched while some entities
// failed.
var ErrPartial = errors.New("partial run")

// MaxExampleOrders caps the order numbers kept for the summary.
const MaxExampleOrders = 5

// Report is the outcome of one export run.
type Report struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time

	Table       string
	AnalyticKey string
	KeyColumn   string
	Mode        string

	EntitiesProcessed int
	EntitiesSkipped   int
	EntitiesFailed    int

	RecordsExported int
	Upserted        int64
	MarkedStale     int64
	Warnings        int
	Dropped         []string

	ExampleOrders []string

	// Err is the run failure, if any.
	Err error
}

// New starts a report stamped with a fresh run id.
func New(table, analyticKey, keyColumn string) *Report {
	return &Report{
		RunID:       uuid.New(),
		StartedAt:   time.Now().UTC(),
		Table:       table,
		AnalyticKey: analyticKey,
		KeyColumn:   keyColumn,
	}
}

// AddOrder keeps order as an example until MaxExampleOrders are collected.
// Blank and repeated orders are ignored.
func (r *Report) AddOrder(order string) {
	order = strings.TrimSpace(order)
	if order == "" || len(r.ExampleOrders) >= MaxExampleOrders {
		return
	}
	for _, o := range r.ExampleOrders {
		if o == order {
			return
		}
	}
	r.ExampleOrders = append(r.ExampleOrders, order)
}

// Finish stamps the end of the run and records err.
func (r *Report) Finish(err error) {
	r.FinishedAt = time.Now().UTC()
	r.Err = err
}

// Duration is the wall time of the run, zero until Finish.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status is "ok", "partial", "failed", or "running" before Finish.
func (r *Report) Status() string {
	switch {
	case r.FinishedAt.IsZero():
		return "running"
	case errors.Is(r.Err, ErrPartial):
		return "partial"
	case r.Err != nil:
		return "failed"
	default:
		return "ok"
	}
}

// Render writes the human-readable summary.
func (r *Report) Render(w io.Writer) error {
	var b strings.Builder
	line := func(label string, v any) {
		fmt.Fprintf(&b, "  %-20s %v\n", label+":", v)
	}

	fmt.Fprintf(&b, "Export report (run %s)\n", r.RunID)
	line("status", r.Status())
	line("table", r.Table)
	line("analytic key", r.AnalyticKey)
	line("key column", r.KeyColumn)
	if r.Mode != "" {
		line("mode", r.Mode)
	}
	line("started", r.StartedAt.Format(time.RFC3339))
	if d := r.Duration(); d > 0 {
		line("duration", d.Round(time.Millisecond))
	}
	line("entities processed", r.EntitiesProcessed)
	line("entities skipped", r.EntitiesSkipped)
	line("entities failed", r.EntitiesFailed)
	line("records exported", r.RecordsExported)
	line("upserted", r.Upserted)
	line("marked stale", r.MarkedStale)
	line("warnings", r.Warnings)
	if len(r.Dropped) > 0 {
		line("dropped columns", strings.Join(r.Dropped, ", "))
	}
	if len(r.ExampleOrders) > 0 {
		line("example orders", strings.Join(r.ExampleOrders, ", "))
	}
	if r.Err != nil {
		line("error", r.Err)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
