package export

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"planfixsync/internal/analytic"
	"planfixsync/internal/assemble"
	"planfixsync/internal/extract"
	"planfixsync/internal/planfix"
)

// batch is the fetch outcome of one entity.
type batch struct {
	taskID  int64
	entries []contextEntry
	skipped bool
	err     error
}

type contextEntry struct {
	analytic.Entry
	ctx assemble.Context
}

// fetchTasks lists tasks and fetches the analytic entries of each, in
// parallel up to Concurrency. Per-task failures are recorded in the batch;
// only list failures and cancellation abort the fetch. Batches keep task
// list order.
func (e *Exporter) fetchTasks(ctx context.Context, log zerolog.Logger) ([]batch, error) {
	tasks, err := e.api.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	if e.opts.MaxTasks > 0 && len(tasks) > e.opts.MaxTasks {
		log.Info().Int("tasks", len(tasks)).Int("max_tasks", e.opts.MaxTasks).Msg("task scan capped")
		tasks = tasks[:e.opts.MaxTasks]
	}
	log.Info().Int("tasks", len(tasks)).Str("mode", e.opts.Mode).Msg("fetching tasks")

	out := make([]batch, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, t := range tasks {
		g.Go(func() error {
			b := e.fetchTask(gctx, t.ID, log)
			if b.err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Exporter) fetchTask(ctx context.Context, id int64, log zerolog.Logger) batch {
	b := batch{taskID: id}
	tlog := log.With().Int64("task_id", id).Logger()

	task, err := e.api.GetTask(ctx, id)
	if err != nil {
		b.err = err
		logFetchError(tlog, err, "task detail")
		return b
	}
	if e.opts.RequireAttached && len(task.AnalyticIDs) > 0 && !task.HasAnalytic(e.opts.AnalyticKey) {
		tlog.Debug().Strs("analytics", task.AnalyticIDs).Msg("analytic not attached; skipped")
		b.skipped = true
		return b
	}

	c := assemble.Context{
		EntityID:    strconv.FormatInt(id, 10),
		OrderNumber: orderNumber(task),
		AnalyticKey: e.opts.AnalyticKey,
	}

	if e.opts.Mode == ModeActions {
		actions, err := e.api.ListActions(ctx, id)
		if err != nil {
			b.err = err
			logFetchError(tlog, err, "action list")
			return b
		}
		for _, a := range actions {
			resp, err := e.api.GetAction(ctx, a.ID)
			if err != nil {
				b.err = err
				logFetchError(tlog.With().Int64("action_id", a.ID).Logger(), err, "action detail")
				return b
			}
			ac := c
			ac.SubEventID = strconv.FormatInt(a.ID, 10)
			b.entries = appendEntries(b.entries, resp.Root, ac)
		}
	} else {
		resp, err := e.api.GetAnalyticData(ctx, e.opts.AnalyticKey, id)
		if err != nil {
			b.err = err
			logFetchError(tlog, err, "analytic data")
			return b
		}
		b.entries = appendEntries(b.entries, resp.Root, c)
	}

	tlog.Debug().Int("entries", len(b.entries)).Str("order_number", c.OrderNumber).Msg("task fetched")
	return b
}

// fetchCondition pages through analitic.getDataByCondition. Entries carry
// their own task ids. Any page failure fails the fetch, so a truncated
// result never reaches stale marking.
func (e *Exporter) fetchCondition(ctx context.Context) ([]batch, error) {
	root, err := e.api.GetAnalyticDataByCondition(ctx, e.opts.AnalyticKey)
	if err != nil {
		return nil, err
	}
	var entries []contextEntry
	for en := range extract.Entries(root) {
		c := assemble.Context{AnalyticKey: e.opts.AnalyticKey}
		if en.EntityID != "" {
			c.OrderNumber = "TASK_" + en.EntityID
		}
		entries = append(entries, contextEntry{Entry: en, ctx: c})
	}
	return []batch{{entries: entries}}, nil
}

func appendEntries(dst []contextEntry, root *planfix.Node, c assemble.Context) []contextEntry {
	for en := range extract.Entries(root) {
		dst = append(dst, contextEntry{Entry: en, ctx: c})
	}
	return dst
}

func logFetchError(log zerolog.Logger, err error, what string) {
	var pe *planfix.ParseError
	if errors.As(err, &pe) {
		log.Warn().Err(err).Str("excerpt", pe.Excerpt).Msg(what + ": unparseable response; entity skipped")
		return
	}
	log.Error().Err(err).Msg(what + " failed; entity skipped")
}
