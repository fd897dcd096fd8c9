package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"jsonrel/internal/metrics"
	"jsonrel/internal/metrics/datadog"
	"jsonrel/internal/metrics/prompush"
)

type metricsOptions struct {
	Backend        string
	Job            string
	PushgatewayURL string
	Tags           []string
	RunID          string
}

// closingBackend is a metrics backend with its own flush loop.
type closingBackend interface {
	metrics.Backend
	Close() error
}

// Seams replaced by tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (closingBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, gatewayURL, runID string) (metrics.Backend, error) {
		return prompush.NewBackend(job, gatewayURL, runID)
	}
	setMetricsBackend = metrics.SetBackend
	logPrintf         = log.Printf
)

// initMetrics installs the requested backend. The returned cleanup is never
// nil and flushes whatever the backend buffered.
func initMetrics(ctx context.Context, o metricsOptions) (func(), error) {
	nop := func() {}
	if o.Job == "" {
		o.Job = "jsonrel"
	}

	switch o.Backend {
	case "", "none", "nop", "noop":
		return nop, nil

	case "datadog", "dd":
		tags := o.Tags
		if o.RunID != "" {
			tags = append(append([]string(nil), tags...), "run_id:"+o.RunID)
		}
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    o.Job,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return nop, fmt.Errorf("metrics: datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	case "pushgateway", "prometheus", "prom":
		b, err := newPushBackend(o.Job, o.PushgatewayURL, o.RunID)
		if err != nil {
			return nop, fmt.Errorf("metrics: pushgateway: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Flush(); err != nil {
				logPrintf("metrics: pushgateway flush error: %v", err)
			}
		}, nil
	}
	return nop, fmt.Errorf("unknown metrics backend %q (want none|datadog|pushgateway)", o.Backend)
}
