// Package schedule runs a job on a cron schedule. Overlapping runs are
// skipped and panics are recovered, so one bad run never stops the loop.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// StopTimeout bounds how long Stop waits for a running job.
const StopTimeout = 15 * time.Second

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner around a single job.
type Scheduler struct {
	cron *cron.Cron
	spec string
	job  Job
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New parses spec and returns a stopped Scheduler. A leading seconds field is
// optional; descriptors such as @hourly and @every 10m are accepted.
func New(spec string, job Job, log zerolog.Logger) (*Scheduler, error) {
	l := log.With().Str("component", "schedule").Str("cron", spec).Logger()
	clog := cronLogger{log: l}

	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(
			cron.SkipIfStillRunning(clog),
			cron.Recover(clog),
		),
		cron.WithLogger(clog),
	)

	s := &Scheduler{cron: c, spec: spec, job: job, log: l}
	if _, err := c.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("schedule: invalid cron %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	start := time.Now()
	s.log.Info().Msg("scheduled run starting")
	if err := s.job(s.ctx); err != nil {
		s.log.Error().Err(err).Dur("took", time.Since(start)).Msg("scheduled run failed")
		return
	}
	s.log.Info().Dur("took", time.Since(start)).Msg("scheduled run finished")
}

// Start begins scheduling. Jobs receive a context derived from ctx that is
// cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.log.Info().Time("next", e.Next).Msg("scheduler started")
	}
}

// Stop stops scheduling new runs and waits up to StopTimeout for a running
// job to finish. After the timeout the job's context is cancelled.
func (s *Scheduler) Stop() error {
	done := s.cron.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
	defer cancel()

	select {
	case <-done.Done():
		s.log.Info().Msg("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn().Msg("running job did not finish in time; cancelling")
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Next returns the next activation time, zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
