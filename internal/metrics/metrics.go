// Package metrics is the backend-agnostic metrics facade used by the sync
// pipeline. Components record through the package-level helpers; the CLI
// selects a concrete backend (Datadog or no-op) at startup.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names. Backends translate them to their own naming scheme.
const (
	RequestsTotal          = "planfix_requests_total"
	RequestDurationSeconds = "planfix_request_duration_seconds"
	RecordsTotal           = "sync_records_total"
	StepTotal              = "sync_step_total"
	StepDurationSeconds    = "sync_step_duration_seconds"
	RunsTotal              = "sync_runs_total"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to a counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush asks the backend to submit buffered data.
func Flush() error {
	return current().Flush()
}

// RecordRequest records one Planfix API call.
func RecordRequest(method string, httpStatus int, err error, d time.Duration) {
	status := "ok"
	switch {
	case err != nil && httpStatus >= 300:
		status = strconv.Itoa(httpStatus)
	case err != nil:
		status = "error"
	}
	l := Labels{"method": method, "status": status}
	IncCounter(RequestsTotal, 1, l)
	ObserveHistogram(RequestDurationSeconds, d.Seconds(), l)
}

// RecordStep records the outcome and duration of one pipeline step.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// AddRecords counts records of a kind (extracted, upserted, stale, dropped).
func AddRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}
