// Package config loads planfix-sync settings from a YAML file, the
// environment and .env files, and validates them once at startup.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"planfixsync/internal/logging"
)

// Export modes.
const (
	ModeTasks     = "tasks"
	ModeActions   = "actions"
	ModeCondition = "condition"
)

// DefaultConfigFile is read when no --config flag is given. It is optional.
const DefaultConfigFile = "planfix-sync.yaml"

var storeKinds = []string{"postgres", "sqlite", "mssql"}

type Config struct {
	Planfix  PlanfixConfig
	Store    StoreConfig
	Export   ExportConfig
	Log      logging.Config
	Metrics  MetricsConfig
	Schedule ScheduleConfig
}

type PlanfixConfig struct {
	APIURL  string
	APIKey  string
	Token   string
	Account string

	AnalyticKey string
	Table       string

	PageSize        int
	Timeout         time.Duration
	Concurrency     int
	RequireAttached bool
	MaxTasks        int
	RateLimitCodes  []string

	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MinInterval time.Duration
}

type StoreConfig struct {
	Kind      string
	DSN       string
	KeyColumn string
}

type ExportConfig struct {
	Mode       string
	AllowEmpty bool
}

type MetricsConfig struct {
	DatadogEnabled bool
	Tags           []string
	FlushEvery     time.Duration
}

type ScheduleConfig struct {
	Cron string
}

// ValidationError lists every invalid setting found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "config: " + strings.Join(e.Problems, "; ")
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SetDefaults registers every key with its default so env overrides resolve
// through AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("planfix.api_url", "https://api.planfix.ru/xml/")
	v.SetDefault("planfix.api_key", "")
	v.SetDefault("planfix.token", "")
	v.SetDefault("planfix.account", "")
	v.SetDefault("planfix.analytic_key", "4867")
	v.SetDefault("planfix.table", "planfix_analytics_produkty")
	v.SetDefault("planfix.page_size", 100)
	v.SetDefault("planfix.timeout", 60*time.Second)
	v.SetDefault("planfix.concurrency", 1)
	v.SetDefault("planfix.require_attached", true)
	v.SetDefault("planfix.max_tasks", 0)
	v.SetDefault("planfix.rate_limit_codes", []string{"0027"})
	v.SetDefault("planfix.max_retries", 5)
	v.SetDefault("planfix.base_delay", 2*time.Second)
	v.SetDefault("planfix.max_delay", time.Minute)
	v.SetDefault("planfix.min_interval", 200*time.Millisecond)

	v.SetDefault("store.kind", "postgres")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.key_column", "reconciliation_key")

	v.SetDefault("export.mode", ModeTasks)
	v.SetDefault("export.allow_empty", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.no_color", false)
	v.SetDefault("log.add_caller", false)

	v.SetDefault("metrics.datadog.enabled", false)
	v.SetDefault("metrics.datadog.tags", "")
	v.SetDefault("metrics.datadog.flush_every", time.Minute)

	v.SetDefault("schedule.cron", "")
}

// NewViper returns a viper instance wired for env overrides
// (planfix.api_key -> PLANFIX_API_KEY) with every default set. file, when
// non-empty, must exist; the default config file is read only if present.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// Names that do not follow the key path.
	_ = v.BindEnv("metrics.datadog.enabled", "DD_ENABLED")
	_ = v.BindEnv("metrics.datadog.tags", "DD_TAGS")

	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		return v, nil
	}

	v.SetConfigFile(DefaultConfigFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", DefaultConfigFile, err)
		}
	}
	return v, nil
}

// LoadDotEnv loads .env and then .env.local into the process environment.
// Values already set in the environment win over .env; .env.local overrides
// both. Missing files are skipped.
func LoadDotEnv(dir string) []string {
	var loaded []string
	base := joinDir(dir, ".env")
	if err := godotenv.Load(base); err == nil {
		loaded = append(loaded, base)
	}
	local := joinDir(dir, ".env.local")
	if err := godotenv.Overload(local); err == nil {
		loaded = append(loaded, local)
	}
	return loaded
}

// Load reads the configuration out of v. It does not validate.
func Load(v *viper.Viper) Config {
	return Config{
		Planfix: PlanfixConfig{
			APIURL:          strings.TrimSpace(v.GetString("planfix.api_url")),
			APIKey:          strings.TrimSpace(v.GetString("planfix.api_key")),
			Token:           strings.TrimSpace(v.GetString("planfix.token")),
			Account:         strings.TrimSpace(v.GetString("planfix.account")),
			AnalyticKey:     strings.TrimSpace(v.GetString("planfix.analytic_key")),
			Table:           strings.TrimSpace(v.GetString("planfix.table")),
			PageSize:        v.GetInt("planfix.page_size"),
			Timeout:         v.GetDuration("planfix.timeout"),
			Concurrency:     v.GetInt("planfix.concurrency"),
			RequireAttached: v.GetBool("planfix.require_attached"),
			MaxTasks:        v.GetInt("planfix.max_tasks"),
			RateLimitCodes:  splitList(v.GetStringSlice("planfix.rate_limit_codes")),
			MaxRetries:      v.GetInt("planfix.max_retries"),
			BaseDelay:       v.GetDuration("planfix.base_delay"),
			MaxDelay:        v.GetDuration("planfix.max_delay"),
			MinInterval:     v.GetDuration("planfix.min_interval"),
		},
		Store: StoreConfig{
			Kind:      strings.ToLower(strings.TrimSpace(v.GetString("store.kind"))),
			DSN:       strings.TrimSpace(v.GetString("store.dsn")),
			KeyColumn: strings.TrimSpace(v.GetString("store.key_column")),
		},
		Export: ExportConfig{
			Mode:       strings.ToLower(strings.TrimSpace(v.GetString("export.mode"))),
			AllowEmpty: v.GetBool("export.allow_empty"),
		},
		Log: logging.Config{
			Level:     v.GetString("log.level"),
			Format:    v.GetString("log.format"),
			NoColor:   v.GetBool("log.no_color"),
			AddCaller: v.GetBool("log.add_caller"),
		},
		Metrics: MetricsConfig{
			DatadogEnabled: v.GetBool("metrics.datadog.enabled"),
			Tags:           splitList(v.GetStringSlice("metrics.datadog.tags")),
			FlushEvery:     v.GetDuration("metrics.datadog.flush_every"),
		},
		Schedule: ScheduleConfig{
			Cron: strings.TrimSpace(v.GetString("schedule.cron")),
		},
	}
}

// Validate checks every setting needed for a sync run.
func (c Config) Validate() error {
	return c.validate(true, true)
}

// ValidateSource checks only the settings needed to talk to Planfix.
func (c Config) ValidateSource() error {
	return c.validate(true, false)
}

// ValidateStore checks only the settings needed to open the store.
func (c Config) ValidateStore() error {
	return c.validate(false, true)
}

func (c Config) validate(source, store bool) error {
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	if source {
		pf := c.Planfix
		if pf.APIURL == "" {
			add("planfix.api_url is required")
		}
		if pf.APIKey == "" {
			add("planfix.api_key is required")
		}
		if pf.Token == "" {
			add("planfix.token is required")
		}
		if pf.Account == "" {
			add("planfix.account is required")
		}
		if pf.AnalyticKey == "" {
			add("planfix.analytic_key is required")
		}
		if pf.PageSize < 1 || pf.PageSize > 100 {
			add("planfix.page_size must be between 1 and 100, got %d", pf.PageSize)
		}
		if pf.Concurrency < 1 {
			add("planfix.concurrency must be at least 1, got %d", pf.Concurrency)
		}
		if pf.MaxTasks < 0 {
			add("planfix.max_tasks must not be negative")
		}
		if pf.Timeout <= 0 {
			add("planfix.timeout must be positive")
		}
		if pf.MaxRetries < 0 {
			add("planfix.max_retries must not be negative")
		}
		switch c.Export.Mode {
		case ModeTasks, ModeActions, ModeCondition:
		default:
			add("export.mode must be one of %s, %s, %s; got %q", ModeTasks, ModeActions, ModeCondition, c.Export.Mode)
		}
	}

	if store {
		if !contains(storeKinds, c.Store.Kind) {
			add("store.kind must be one of %s; got %q", strings.Join(storeKinds, ", "), c.Store.Kind)
		}
		if c.Store.DSN == "" {
			add("store.dsn is required")
		}
	}

	if c.Planfix.Table == "" {
		add("planfix.table is required")
	}
	if c.Store.KeyColumn == "" {
		add("store.key_column is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if f := strings.ToLower(c.Log.Format); f != "" && f != "json" && f != "console" {
		add("log.format must be json or console; got %q", c.Log.Format)
	}
	if c.Schedule.Cron != "" {
		if _, err := ParseSchedule(c.Schedule.Cron); err != nil {
			add("schedule.cron: %v", err)
		}
	}

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

// ParseSchedule parses a cron spec. A leading seconds field is optional and
// descriptors such as @hourly are accepted.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func joinDir(dir, name string) string {
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}
