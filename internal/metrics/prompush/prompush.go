// Package prompush implements metrics.Backend on a private Prometheus
// registry that is pushed to a Pushgateway on Flush. Batch jobs finish
// before a scraper would see them, so pushing is the only way their
// metrics survive.
package prompush

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"jsonrel/internal/metrics"
)

// Backend buffers metrics in collectors and pushes them on Flush.
type Backend struct {
	reg    *prometheus.Registry
	pusher *push.Pusher

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
}

// NewBackend creates collectors for every importer metric and a pusher for
// gatewayURL. runID, when set, becomes a grouping key so concurrent runs of
// the same job do not overwrite each other.
func NewBackend(job, gatewayURL, runID string) (*Backend, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, fmt.Errorf("prompush: empty pushgateway url")
	}
	if job == "" {
		job = "jsonrel"
	}

	b := &Backend{
		reg:        prometheus.NewRegistry(),
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		labelNames: map[string][]string{},
	}

	b.counter(metrics.DocumentsTotal, "Documents processed by outcome.", "status")
	b.counter(metrics.RowsTotal, "Rows written or reused by kind.", "kind")
	b.counter(metrics.SchemaChangesTotal, "Schema changes executed by kind.", "kind")
	b.counter(metrics.BatchesTotal, "Committed transactions.")
	b.histogram(metrics.StepDurationSeconds, "Duration of importer steps.", "step", "status")

	for _, c := range b.counters {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register: %w", err)
		}
	}
	for _, h := range b.histograms {
		if err := b.reg.Register(h); err != nil {
			return nil, fmt.Errorf("prompush: register: %w", err)
		}
	}

	b.pusher = push.New(gatewayURL, job).Gatherer(b.reg)
	if runID != "" {
		b.pusher = b.pusher.Grouping("run_id", runID)
	}
	return b, nil
}

func (b *Backend) counter(name, help string, labels ...string) {
	b.counters[name] = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jsonrel_" + name, Help: help}, labels)
	b.labelNames[name] = labels
}

func (b *Backend) histogram(name, help string, labels ...string) {
	b.histograms[name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jsonrel_" + name,
		Help:    help,
		Buckets: prometheus.DefBuckets,
	}, labels)
	b.labelNames[name] = labels
}

// values orders labels by the collector's label names; missing labels
// become empty strings.
func (b *Backend) values(name string, labels metrics.Labels) []string {
	names := b.labelNames[name]
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = labels[n]
	}
	return out
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	c, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	c.WithLabelValues(b.values(name, labels)...).Add(delta)
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	h, ok := b.histograms[name]
	if !ok || value < 0 {
		return
	}
	h.WithLabelValues(b.values(name, labels)...).Observe(value)
}

// Flush replaces the job's metric group on the gateway with the current
// registry contents.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// Gatherer exposes the registry, e.g. for tests.
func (b *Backend) Gatherer() prometheus.Gatherer { return b.reg }

var _ metrics.Backend = (*Backend)(nil)
