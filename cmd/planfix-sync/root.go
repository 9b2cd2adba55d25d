package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"planfixsync/internal/config"
	"planfixsync/internal/logging"
	"planfixsync/internal/planfix"
	"planfixsync/internal/storage"
)

// Values of the "validate" command annotation.
const (
	needSource = "source"
	needAll    = "all"
)

// app is the state shared by the commands of one invocation.
type app struct {
	deps   appDeps
	stdout io.Writer
	stderr io.Writer

	cfgFile string
	cfg     config.Config
	log     zerolog.Logger

	cleanups []func()
}

func (a *app) cleanup() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

// flagKeys binds persistent flags to config keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"store-kind":   "store.kind",
	"store-dsn":    "store.dsn",
	"table":        "planfix.table",
	"analytic-key": "planfix.analytic_key",
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "planfix-sync",
		Short: "Sync Planfix analytic data into a relational table",
		Long: `planfix-sync reads analytic entries from the Planfix XML API, infers a column
schema from their fields and keeps a relational table in step with the source:
new and changed entries are upserted, entries gone from the source are
soft-deleted.

Settings come from flags, the environment (PLANFIX_API_KEY, STORE_DSN, ...),
.env and .env.local, and an optional planfix-sync.yaml.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default ./"+config.DefaultConfigFile+" when present)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: json or console")
	pf.String("store-kind", "", "store backend: postgres, sqlite or mssql")
	pf.String("store-dsn", "", "store connection string")
	pf.String("table", "", "target table name")
	pf.String("analytic-key", "", "Planfix analytic id to export")

	root.AddCommand(
		newPingCmd(a),
		newInferCmd(a),
		newCreateTableCmd(a),
		newExportCmd(a),
		newScheduleCmd(a),
	)
	return root
}

// setup loads and validates the configuration, then builds the logger and
// the metrics backend. Nothing with side effects runs before validation.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	config.LoadDotEnv("")

	v, err := config.NewViper(a.cfgFile)
	if err != nil {
		return &usageError{err: err}
	}
	var bindErr error
	cmd.Root().PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && bindErr == nil {
			bindErr = v.BindPFlag(key, f)
		}
	})
	if bindErr != nil {
		return fmt.Errorf("bind flags: %w", bindErr)
	}
	// Command-local flags that map onto config keys.
	if f := cmd.Flags().Lookup("mode"); f != nil {
		if err := v.BindPFlag("export.mode", f); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}

	a.cfg = config.Load(v)
	switch cmd.Annotations["validate"] {
	case needSource:
		err = a.cfg.ValidateSource()
	case needAll:
		err = a.cfg.Validate()
	}
	if err != nil {
		return err
	}

	a.log = logging.New(a.cfg.Log, a.stderr).With().Str("command", cmd.Name()).Logger()
	cmd.SetContext(logging.WithLogger(cmd.Context(), a.log))

	done, err := a.deps.initMetrics(cmd.Context(), a.cfg.Metrics, a.log)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	a.cleanups = append(a.cleanups, done)
	return nil
}

func (a *app) api() (*planfix.API, error) {
	q, err := a.deps.newSource(a.cfg.Planfix, a.log)
	if err != nil {
		return nil, fmt.Errorf("planfix client: %w", err)
	}
	return planfix.NewAPI(q, a.cfg.Planfix.PageSize), nil
}

func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	s, err := a.deps.openStore(ctx, storage.Config{Kind: a.cfg.Store.Kind, DSN: a.cfg.Store.DSN})
	if err != nil {
		return nil, err
	}
	a.log.Debug().Str("kind", a.cfg.Store.Kind).Msg("store opened")
	return s, nil
}
