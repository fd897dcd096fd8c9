// Package metrics is the backend-neutral metrics facade used by the importer.
//
// Core code calls IncCounter/ObserveHistogram with one of the metric names
// below. The process installs a concrete Backend (Datadog, Prometheus push
// gateway) once at startup with SetBackend; until then every call is a no-op.
package metrics

import (
	"sync"
	"time"
)

// Metric names. Backends translate them into their own naming schemes.
const (
	// DocumentsTotal counts documents by status (imported, rejected, failed, skipped).
	DocumentsTotal = "import_documents_total"
	// RowsTotal counts rows by kind (inserted, reused, link).
	RowsTotal = "import_rows_total"
	// SchemaChangesTotal counts executed schema changes by kind.
	SchemaChangesTotal = "import_schema_changes_total"
	// BatchesTotal counts committed transactions.
	BatchesTotal = "import_batches_total"
	// StepDurationSeconds observes step durations by step and status.
	StepDurationSeconds = "import_step_duration_seconds"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events.
//
// Implementations must be safe for concurrent use.
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

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush forwards to the installed backend.
func Flush() error {
	return current().Flush()
}

// ObserveStep records the duration since start for a step, labelled ok or
// error depending on err.
func ObserveStep(step string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ObserveHistogram(StepDurationSeconds, time.Since(start).Seconds(), Labels{"step": step, "status": status})
}
