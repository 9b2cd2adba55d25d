package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"planfixsync/internal/analytic"
	"planfixsync/internal/export"
	"planfixsync/internal/logging"
	"planfixsync/internal/probe"
	"planfixsync/internal/schedule"
	"planfixsync/internal/storage"
)

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "ping",
		Short:       "Check the Planfix connection and, when a DSN is set, the store",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"validate": needSource},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			api, err := a.api()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			failed, total := 0, 0
			for _, r := range api.Check(ctx, a.cfg.Planfix.AnalyticKey) {
				total++
				if r.Err != nil {
					failed++
					fmt.Fprintf(tw, "%s\tFAIL\t%v\n", r.Method, r.Err)
					continue
				}
				fmt.Fprintf(tw, "%s\tOK\t%d items\n", r.Method, r.Items)
			}

			if a.cfg.Store.DSN != "" {
				total++
				name := "store (" + a.cfg.Store.Kind + ")"
				if err := pingStore(cmd, a); err != nil {
					failed++
					fmt.Fprintf(tw, "%s\tFAIL\t%v\n", name, err)
				} else {
					fmt.Fprintf(tw, "%s\tOK\t\n", name)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if failed > 0 {
				return fmt.Errorf("ping: %d of %d checks failed", failed, total)
			}
			return nil
		},
	}
}

func pingStore(cmd *cobra.Command, a *app) error {
	s, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Ping(cmd.Context())
}

// inferDoc is the JSON document printed by the infer command.
type inferDoc struct {
	AnalyticKey string                `json:"analytic_key"`
	Table       string                `json:"table"`
	Columns     []analytic.ColumnSpec `json:"columns"`
	Warnings    []string              `json:"warnings,omitempty"`
}

func newInferCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "infer",
		Short:       "Print the inferred column structure as JSON",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"validate": needSource},
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := a.api()
			if err != nil {
				return err
			}
			schema, err := export.Discover(cmd.Context(), api, a.cfg.Planfix.AnalyticKey, a.log)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(inferDoc{
				AnalyticKey: a.cfg.Planfix.AnalyticKey,
				Table:       a.cfg.Planfix.Table,
				Columns:     schema.Columns,
				Warnings:    schema.Warnings,
			})
		},
	}
}

func newCreateTableCmd(a *app) *cobra.Command {
	var (
		out   string
		apply bool
	)
	cmd := &cobra.Command{
		Use:   "create-table",
		Short: "Infer the structure and write (or apply) the table DDL",
		Long: `create-table discovers the analytic structure, prints it, renders the
CREATE TABLE statement for the configured store kind and writes it to
create_table_<table>.sql (or --out). With --apply the DDL is also executed
against the store; the statement is idempotent.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"validate": needSource},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if apply {
				if err := a.cfg.ValidateStore(); err != nil {
					return err
				}
			}

			api, err := a.api()
			if err != nil {
				return err
			}
			schema, err := export.Discover(ctx, api, a.cfg.Planfix.AnalyticKey, a.log)
			if err != nil {
				return err
			}
			if err := probe.WriteSummary(a.stdout, schema); err != nil {
				return err
			}

			spec := probe.TableSpec(schema, a.cfg.Planfix.Table, a.cfg.Store.KeyColumn, a.cfg.Planfix.AnalyticKey)
			stmts, err := storage.CreateTableSQL(a.cfg.Store.Kind, spec)
			if err != nil {
				if errors.Is(err, storage.ErrUnknownBackend) {
					return usagef("store.kind %q: %v", a.cfg.Store.Kind, err)
				}
				return err
			}

			path := out
			if path == "" {
				path = "create_table_" + a.cfg.Planfix.Table + ".sql"
			}
			if err := os.WriteFile(path, []byte(strings.Join(stmts, "\n\n")+"\n"), 0o644); err != nil {
				return fmt.Errorf("write ddl: %w", err)
			}
			fmt.Fprintf(a.stdout, "\nDDL written to %s\n", path)

			if !apply {
				return nil
			}
			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.EnsureTable(ctx, spec); err != nil {
				return err
			}
			a.log.Info().Str("table", spec.Name).Int("columns", len(spec.Columns)).Msg("table ensured")
			fmt.Fprintf(a.stdout, "Table %s is ready\n", spec.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "DDL output file (default create_table_<table>.sql)")
	cmd.Flags().BoolVar(&apply, "apply", false, "execute the DDL against the store")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "export",
		Short:       "Run one sync batch and print its report",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"validate": needAll},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			exp, closeStore, err := a.exporter(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			rep, err := exp.Run(ctx)
			if rep != nil {
				if rerr := rep.Render(a.stdout); rerr != nil && err == nil {
					err = rerr
				}
			}
			return err
		},
	}
	cmd.Flags().String("mode", "", "fetch mode: tasks, actions or condition")
	return cmd
}

func newScheduleCmd(a *app) *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run sync batches on the SCHEDULE_CRON schedule until interrupted",
		Long: `schedule runs one export batch per activation of schedule.cron
(SCHEDULE_CRON). Five-field specs, a leading seconds field and descriptors
such as @hourly or "@every 30m" are accepted. A run still in progress when the
next activation fires is skipped.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"validate": needAll},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if a.cfg.Schedule.Cron == "" {
				return usagef("schedule.cron (SCHEDULE_CRON) is required")
			}

			exp, closeStore, err := a.exporter(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			job := func(ctx context.Context) error {
				rep, err := exp.Run(ctx)
				if rep != nil {
					_ = rep.Render(a.stdout)
				}
				return err
			}

			s, err := schedule.New(a.cfg.Schedule.Cron, job, a.log)
			if err != nil {
				return &usageError{err: err}
			}
			if now {
				if err := job(ctx); err != nil {
					a.log.Error().Err(err).Msg("initial run failed")
				}
			}

			s.Start(ctx)
			<-ctx.Done()
			a.log.Info().Msg("shutdown requested")
			return s.Stop()
		},
	}
	cmd.Flags().String("mode", "", "fetch mode: tasks, actions or condition")
	cmd.Flags().BoolVar(&now, "now", false, "run one batch immediately before waiting for the schedule")
	return cmd
}

// exporter opens the store and builds an Exporter from the loaded config.
func (a *app) exporter(cmd *cobra.Command) (*export.Exporter, func(), error) {
	api, err := a.api()
	if err != nil {
		return nil, nil, err
	}
	s, err := a.openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := s.Close(); err != nil {
			a.log.Warn().Err(err).Msg("store close failed")
		}
	}

	pf := a.cfg.Planfix
	exp := export.New(api, s, export.Options{
		AnalyticKey:     pf.AnalyticKey,
		Table:           pf.Table,
		KeyColumn:       a.cfg.Store.KeyColumn,
		Mode:            a.cfg.Export.Mode,
		Concurrency:     pf.Concurrency,
		RequireAttached: pf.RequireAttached,
		MaxTasks:        pf.MaxTasks,
		AllowEmpty:      a.cfg.Export.AllowEmpty,
	}, logging.FromContext(cmd.Context()))
	return exp, closeStore, nil
}
