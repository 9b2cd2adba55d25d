package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planfixsync/internal/config"
	"planfixsync/internal/planfix"
	"planfixsync/internal/storage"
)

func entryXML(key, price string) string {
	return `<analiticData><key>` + key + `</key>` +
		`<itemData><name>Cena</name><value>` + price + `</value></itemData>` +
		`<itemData><name>Ilość</name><value>3</value></itemData>` +
		`</analiticData>`
}

// fakeSource serves one task. Discovery (no taskId) always returns one
// entry; entries is what the task itself returns.
type fakeSource struct {
	mu      sync.Mutex
	entries string
	fail    error
	calls   map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		entries: entryXML("55", "12,50") + entryXML("56", "1"),
		calls:   map[string]int{},
	}
}

func hasParam(params []planfix.Param, name string) bool {
	for _, p := range params {
		if p.Name == name || hasParam(p.Children, name) {
			return true
		}
	}
	return false
}

func (f *fakeSource) Query(ctx context.Context, method string, params ...planfix.Param) (*planfix.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if f.fail != nil {
		return nil, f.fail
	}

	var body string
	switch method {
	case planfix.MethodAnalyticList:
		body = `<analitics><analitic><id>4867</id><name>Produkty</name></analitic></analitics>`
	case planfix.MethodTaskList:
		body = `<tasks><task><id>100</id><title>Order</title></task></tasks>`
	case planfix.MethodTaskGet:
		body = `<task><id>100</id><number>ZAM/1</number><analitics><analitic><id>4867</id></analitic></analitics></task>`
	case planfix.MethodAnalyticData:
		entries := entryXML("1", "0,5")
		if hasParam(params, "taskId") {
			entries = f.entries
		}
		body = `<analiticDatas>` + entries + `</analiticDatas>`
	default:
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	root, err := planfix.ParseTree(strings.NewReader(`<response status="ok">` + body + `</response>`))
	if err != nil {
		return nil, err
	}
	return &planfix.Response{Method: method, Status: "ok", Root: root}, nil
}

type harness struct {
	src          *fakeSource
	sourceCalls  atomic.Int64
	metricsCalls atomic.Int64
	cleanupCalls atomic.Int64
	dsn          string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("PLANFIX_API_KEY", "key")
	t.Setenv("PLANFIX_TOKEN", "token")
	t.Setenv("PLANFIX_ACCOUNT", "acme")
	t.Setenv("STORE_KIND", "sqlite")
	t.Setenv("SCHEDULE_CRON", "")
	t.Setenv("DD_ENABLED", "")
	return &harness{
		src: newFakeSource(),
		dsn: filepath.Join(t.TempDir(), "sync.db"),
	}
}

func (h *harness) deps() appDeps {
	return appDeps{
		newSource: func(config.PlanfixConfig, zerolog.Logger) (planfix.Querier, error) {
			h.sourceCalls.Add(1)
			return h.src, nil
		},
		openStore: storage.Open,
		initMetrics: func(context.Context, config.MetricsConfig, zerolog.Logger) (func(), error) {
			h.metricsCalls.Add(1)
			return func() { h.cleanupCalls.Add(1) }, nil
		},
	}
}

func (h *harness) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return h.runContext(t, context.Background(), args...)
}

func (h *harness) runContext(t *testing.T, ctx context.Context, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runMain(ctx, args, &stdout, &stderr, h.deps())
	return code, stdout.String(), stderr.String()
}

func TestRunMain_UsageErrors(t *testing.T) {
	tests := []struct {
		name          string
		args          []string
		env           map[string]string
		wantStderrSub string
	}{
		{
			name:          "unknown_flag",
			args:          []string{"export", "--nope"},
			wantStderrSub: "unknown flag",
		},
		{
			name:          "unknown_command",
			args:          []string{"sync-everything"},
			wantStderrSub: "unknown command",
		},
		{
			name:          "missing_config_file",
			args:          []string{"ping", "--config", "does-not-exist.yaml"},
			wantStderrSub: "does-not-exist.yaml",
		},
		{
			name:          "missing_credentials",
			args:          []string{"infer"},
			env:           map[string]string{"PLANFIX_API_KEY": ""},
			wantStderrSub: "planfix.api_key is required",
		},
		{
			name:          "export_needs_dsn",
			args:          []string{"export"},
			wantStderrSub: "store.dsn is required",
		},
		{
			name:          "bad_mode",
			args:          []string{"export", "--store-dsn", "x.db", "--mode", "everything"},
			wantStderrSub: "export.mode must be one of",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			code, stdout, stderr := h.run(t, tc.args...)
			assert.Equal(t, 2, code, stderr)
			assert.Contains(t, stderr, tc.wantStderrSub)
			assert.Empty(t, stdout)
			// Usage failures short-circuit before any side effects.
			assert.Zero(t, h.sourceCalls.Load())
			assert.Zero(t, h.metricsCalls.Load())
		})
	}
}

func TestRunMain_NoArgsPrintsHelp(t *testing.T) {
	h := newHarness(t)
	code, stdout, _ := h.run(t)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "create-table")
}

func TestRunMain_Infer(t *testing.T) {
	h := newHarness(t)

	code, stdout, stderr := h.run(t, "infer")
	require.Equal(t, 0, code, stderr)

	var doc struct {
		AnalyticKey string `json:"analytic_key"`
		Columns     []struct {
			Name       string `json:"name"`
			SourceName string `json:"source_name"`
			Domain     string `json:"domain"`
		} `json:"columns"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "4867", doc.AnalyticKey)
	require.Len(t, doc.Columns, 2)
	assert.Equal(t, "cena", doc.Columns[0].Name)
	assert.Equal(t, "NUMERIC", doc.Columns[0].Domain)
	assert.Equal(t, "ilosc", doc.Columns[1].Name)
	assert.Equal(t, int64(1), h.cleanupCalls.Load())
}

func TestRunMain_CreateTableThenExport(t *testing.T) {
	h := newHarness(t)
	ddl := filepath.Join(t.TempDir(), "table.sql")

	code, stdout, stderr := h.run(t, "create-table", "--store-dsn", h.dsn, "--table", "produkty", "--out", ddl, "--apply")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "DDL written to "+ddl)
	assert.Contains(t, stdout, "Table produkty is ready")

	raw, err := os.ReadFile(ddl)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "CREATE TABLE IF NOT EXISTS")
	assert.Contains(t, string(raw), "cena")

	code, stdout, stderr = h.run(t, "export", "--store-dsn", h.dsn, "--table", "produkty")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "status:")
	assert.Contains(t, stdout, "ZAM/1")
	assert.Regexp(t, `upserted:\s+2`, stdout)

	// Entry 56 disappears from the source: the next run marks it stale.
	h.src.mu.Lock()
	h.src.entries = entryXML("55", "12,50")
	h.src.mu.Unlock()
	code, stdout, stderr = h.run(t, "export", "--store-dsn", h.dsn, "--table", "produkty")
	require.Equal(t, 0, code, stderr)
	assert.Regexp(t, `upserted:\s+1`, stdout)
	assert.Regexp(t, `marked stale:\s+1`, stdout)
}

func TestRunMain_CreateTableWithoutApplyNeedsNoDSN(t *testing.T) {
	h := newHarness(t)
	t.Setenv("STORE_KIND", "postgres")
	ddl := filepath.Join(t.TempDir(), "pg.sql")

	code, _, stderr := h.run(t, "create-table", "--out", ddl)
	require.Equal(t, 0, code, stderr)

	raw, err := os.ReadFile(ddl)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "CREATE TABLE")
}

func TestRunMain_ExportMissingTableFails(t *testing.T) {
	h := newHarness(t)

	code, stdout, stderr := h.run(t, "export", "--store-dsn", h.dsn, "--table", "never_created")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "error:")
	assert.Contains(t, stdout, "failed")
	assert.Equal(t, int64(1), h.cleanupCalls.Load())
}

func TestRunMain_Ping(t *testing.T) {
	h := newHarness(t)

	code, stdout, stderr := h.run(t, "ping", "--store-dsn", h.dsn)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, planfix.MethodAnalyticList)
	assert.Contains(t, stdout, "store (sqlite)")

	h.src.fail = &planfix.SourceError{Method: planfix.MethodTaskList, Code: "0001", Message: "invalid token"}
	code, stdout, stderr = h.run(t, "ping")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "FAIL")
	assert.Contains(t, stderr, "3 of 3 checks failed")
}

func TestRunMain_ScheduleRunsNowAndStops(t *testing.T) {
	h := newHarness(t)
	t.Setenv("SCHEDULE_CRON", "@hourly")

	code, _, stderr := h.run(t, "create-table", "--store-dsn", h.dsn, "--table", "produkty",
		"--out", filepath.Join(t.TempDir(), "t.sql"), "--apply")
	require.Equal(t, 0, code, stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	code, stdout, stderr := h.runContext(t, ctx, "schedule", "--store-dsn", h.dsn, "--table", "produkty", "--now")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Export report")
}

func TestRunMain_ScheduleNeedsCron(t *testing.T) {
	h := newHarness(t)
	code, _, stderr := h.run(t, "schedule", "--store-dsn", h.dsn)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "SCHEDULE_CRON")
}

func TestRunMain_MetricsInitError(t *testing.T) {
	h := newHarness(t)
	deps := h.deps()
	deps.initMetrics = func(context.Context, config.MetricsConfig, zerolog.Logger) (func(), error) {
		return nil, errors.New("datadog unavailable")
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"infer"}, &stdout, &stderr, deps)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "init metrics:")
	assert.Zero(t, h.sourceCalls.Load())
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("db failed"), 1},
		{&usageError{err: errors.New("bad flag")}, 2},
		{fmt.Errorf("wrapped: %w", &config.ValidationError{Problems: []string{"x"}}), 2},
		{errors.New(`unknown command "x" for "planfix-sync"`), 2},
		{fmt.Errorf("reconcile: %w", storage.ErrUnknownBackend), 1},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, exitCode(tc.err), "%v", tc.err)
	}
}
