package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"planfixsync/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush.
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func newTestBackend(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func findSeries(p datadogV2.MetricPayload, metric string, tag string) (datadogV2.MetricSeries, bool) {
	for _, s := range p.Series {
		if s.Metric == metric && (tag == "" || contains(s.Tags, tag)) {
			return s, true
		}
	}
	return datadogV2.MetricSeries{}, false
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	if got := wrapInitErr(nil); got != nil {
		t.Fatalf("wrapInitErr(nil)=%v, want nil", got)
	}
	in := errors.New("boom")
	got := wrapInitErr(in)
	if !strings.Contains(got.Error(), "datadog metrics init:") || !errors.Is(got, in) {
		t.Fatalf("wrapInitErr(err)=%v", got)
	}
}

func TestLabelTags(t *testing.T) {
	got := labelTags(metrics.Labels{"step": "upsert", "status": "", "method": "task.get"})
	want := []string{"method:task.get", "status:unknown", "step:upsert"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("labelTags()=%v, want %v", got, want)
	}
	if labelTags(nil) != nil {
		t.Fatalf("labelTags(nil) should be nil")
	}
}

func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:sync"}
	got := withTags(base, "step:upsert", "status:ok")
	want := []string{"env:test", "job:sync", "step:upsert", "status:ok"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestAddPercentiles_DoesNotMutateInput(t *testing.T) {
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, []string{"env:test"}, "sync.step.duration_seconds", in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}
	last := series[len(series)-1]
	if last.Metric != "sync.step.duration_seconds.samples" || *last.Points[0].Value != 5 {
		t.Fatalf("unexpected samples gauge %+v", last)
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"team:data"},
		submitter: &fakeSubmitter{},
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:planfix-sync") || !contains(b.baseTags, "team:data") {
		t.Fatalf("baseTags=%v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	b.IncCounter(metrics.StepTotal, 2, metrics.Labels{"step": "upsert", "status": "ok"})
	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": "upserted"})
	b.IncCounter(metrics.RequestsTotal, 7, metrics.Labels{"method": "task.get", "status": "ok"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, metrics.Labels{"step": "upsert", "status": "ok"})
	b.ObserveHistogram(metrics.RequestDurationSeconds, 0.1, metrics.Labels{"method": "task.get", "status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.counters) != 0 || len(b.histograms) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	for _, want := range []struct{ metric, tag string }{
		{"sync.step.total", "step:upsert"},
		{"sync.records.total", "kind:upserted"},
		{"planfix.requests.total", "method:task.get"},
		{"sync.step.duration_seconds.p50", "status:ok"},
		{"planfix.request.duration_seconds.samples", "method:task.get"},
	} {
		if _, ok := findSeries(payload, want.metric, want.tag); !ok {
			t.Fatalf("payload missing %s{%s}", want.metric, want.tag)
		}
	}
	s, _ := findSeries(payload, "sync.records.total", "")
	if !contains(s.Tags, "job:job1") || *s.Points[0].Value != 3 || *s.Points[0].Timestamp != 1000 {
		t.Fatalf("records series=%+v", s)
	}
}

func TestFlush_SeparatesLabelSets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "upsert", "status": "ok"})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "upsert", "status": "ok"})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "upsert", "status": "error"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	payload, _ := fs.last()
	ok, _ := findSeries(payload, "sync.step.total", "status:ok")
	bad, _ := findSeries(payload, "sync.step.total", "status:error")
	if *ok.Points[0].Value != 2 || *bad.Points[0].Value != 1 {
		t.Fatalf("ok=%v error=%v", *ok.Points[0].Value, *bad.Points[0].Value)
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d", fs.count())
	}
}

func TestFlush_WrapsSubmitError(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("403 forbidden")}
	b := newTestBackend(t, fs)

	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": "ok"})
	err := b.Flush()
	if err == nil || !strings.Contains(err.Error(), "403 forbidden") {
		t.Fatalf("Flush() err=%v", err)
	}
	fs.err = nil
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.RunsTotal, 1, nil)

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected a background flush; got %d", fs.count())
	}

	b.IncCounter(metrics.RunsTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	workers := runtime.GOMAXPROCS(0) * 4
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 2000; j++ {
				b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "fetch", "status": "ok"})
				b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "extracted"})
				b.ObserveHistogram(metrics.RequestDurationSeconds, 0.02, metrics.Labels{"method": "task.get", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	payload, _ := fs.last()
	s, ok := findSeries(payload, "sync.records.total", "kind:extracted")
	if !ok || *s.Points[0].Value != float64(workers*2000) {
		t.Fatalf("records series=%+v", s)
	}
}

func TestIgnoredInputs(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	b.IncCounter(metrics.RunsTotal, 0, nil)
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, metrics.Labels{"step": "upsert"})
	b.ObserveHistogram("unknown_seconds", 1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("ignored inputs were submitted")
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,team:data,  ,service:sync ", want: []string{"env:prod", "team:data", "service:sync"}},
		{name: "single_tag", in: "service:sync", want: []string{"service:sync"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
