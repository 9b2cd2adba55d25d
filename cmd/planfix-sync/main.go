// Command planfix-sync exports Planfix analytic entries into a relational
// table and keeps the table reconciled with the source.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"planfixsync/internal/config"
	"planfixsync/internal/metrics"
	"planfixsync/internal/metrics/datadog"
	"planfixsync/internal/planfix"
	"planfixsync/internal/storage"

	// register all backends with the storage factory.
	_ "planfixsync/internal/storage/mssql"
	_ "planfixsync/internal/storage/postgres"
	_ "planfixsync/internal/storage/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// appDeps are the side-effecting seams of the CLI. Tests replace them.
type appDeps struct {
	newSource   func(pf config.PlanfixConfig, log zerolog.Logger) (planfix.Querier, error)
	openStore   func(ctx context.Context, cfg storage.Config) (storage.Store, error)
	initMetrics func(ctx context.Context, mc config.MetricsConfig, log zerolog.Logger) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		newSource:   newSource,
		openStore:   storage.Open,
		initMetrics: initMetrics,
	}
}

// runMain executes the CLI and returns the process exit code:
// 0 on success, 1 on run failures, 2 on usage or configuration errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	a := &app{deps: deps, stdout: stdout, stderr: stderr}
	defer a.cleanup()

	root := newRootCmd(a)
	if args == nil {
		// cobra falls back to os.Args on nil.
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	switch code {
	case 0:
	case 2:
		fmt.Fprintf(stderr, "error: %v\n", err)
		fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", root.Name())
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return code
}

// usageError marks errors caused by how the command was invoked.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ue *usageError
	if errors.As(err, &ue) || config.IsValidation(err) {
		return 2
	}
	// cobra reports unknown subcommands and positional arguments as plain errors.
	msg := err.Error()
	if strings.HasPrefix(msg, "unknown command") || strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") {
		return 2
	}
	return 1
}

// newSource builds the Planfix call chain: HTTP client wrapped with pacing
// and rate-limit retries.
func newSource(pf config.PlanfixConfig, log zerolog.Logger) (planfix.Querier, error) {
	c, err := planfix.NewClient(planfix.Options{
		URL:            pf.APIURL,
		APIKey:         pf.APIKey,
		Token:          pf.Token,
		Account:        pf.Account,
		Timeout:        pf.Timeout,
		RateLimitCodes: pf.RateLimitCodes,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}

	policy := planfix.DefaultRetryPolicy()
	policy.MaxRetries = pf.MaxRetries
	if pf.BaseDelay > 0 {
		policy.BaseDelay = pf.BaseDelay
	}
	if pf.MaxDelay > 0 {
		policy.MaxDelay = pf.MaxDelay
	}
	policy.MinInterval = pf.MinInterval
	return planfix.NewRetrying(c, policy, log), nil
}

// initMetrics installs the Datadog backend when enabled. The returned
// cleanup flushes buffered series and restores the no-op backend.
func initMetrics(ctx context.Context, mc config.MetricsConfig, log zerolog.Logger) (func(), error) {
	if !mc.DatadogEnabled {
		return func() {}, nil
	}

	// The final flush on Close must survive the run context being cancelled.
	b, err := datadog.NewBackend(context.WithoutCancel(ctx), datadog.Options{
		JobName:    "planfix-sync",
		Tags:       mc.Tags,
		FlushEvery: mc.FlushEvery,
	})
	if err != nil {
		return nil, err
	}
	metrics.SetBackend(b)
	log.Info().Dur("flush_every", mc.FlushEvery).Strs("tags", mc.Tags).Msg("datadog metrics enabled")

	return func() {
		start := time.Now()
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("metrics: final flush failed")
		} else {
			log.Debug().Dur("took", time.Since(start)).Msg("metrics flushed")
		}
		metrics.SetBackend(nil)
	}, nil
}
