// Package logging builds the zerolog logger used across planfix-sync and
// carries it through contexts.
//
//	log := logging.New(logging.Config{Level: "debug", Format: "console"}, os.Stderr)
//	ctx := logging.WithLogger(ctx, log)
//	logging.FromContext(ctx).Info().Str("table", t).Msg("reconciled")
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration options.
type Config struct {
	// Level is the minimum level (trace, debug, info, warn, error).
	Level string

	// Format is json or console. Empty means json.
	Format string

	// NoColor disables color in console mode.
	NoColor bool

	// AddCaller includes file:line. Always on at debug and below.
	AddCaller bool
}

// DefaultConfig logs info and above as JSON.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Format:  "json",
		NoColor: os.Getenv("NO_COLOR") != "",
	}
}

// ParseLevel maps a level name to a zerolog level. An empty name is info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	case "off", "none":
		return zerolog.Disabled, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("logging: unknown level %q", level)
	}
	return l, nil
}

// New returns a logger writing to w. Unknown levels fall back to info.
func New(cfg Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, _ := ParseLevel(cfg.Level)

	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: cfg.NoColor}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	if cfg.AddCaller || level <= zerolog.DebugLevel {
		logger = logger.With().Caller().Logger()
	}
	return logger
}

type contextKey struct{}

// WithLogger stores l in ctx.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a disabled logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return zerolog.Nop()
	}
	if l, ok := ctx.Value(contextKey{}).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}

// WithRun tags the context logger with a run id.
func WithRun(ctx context.Context, runID string) context.Context {
	l := FromContext(ctx).With().Str("run_id", runID).Logger()
	return WithLogger(ctx, l)
}
