// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry is the pipeline's internal self-instrumentation
// (SPEC_FULL.md §4.1): per-source sample counters, a wavefront latency
// histogram (fed only through WavefrontTimer, which nothing in the pipeline
// calls), and an in-flight-sources gauge, registered on an
// internally-owned prometheus.Registry rather than the default global one
// so an embedding process never collides with it. cc-profdb does not
// render these metrics itself; an external collector may scrape them via
// whatever HTTP handler the caller wires up around the Registry.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry owns one isolated Registry and the pipeline-facing metrics
// registered on it.
type Telemetry struct {
	Registry *prometheus.Registry

	SamplesIngested *prometheus.CounterVec
	WavefrontLatency prometheus.Histogram
	SourcesInFlight prometheus.Gauge
}

// New builds a fresh Registry and registers every metric this package
// exposes.
func New() *Telemetry {
	reg := prometheus.NewRegistry()

	t := &Telemetry{
		Registry: reg,
		SamplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccprofdb",
			Subsystem: "pipeline",
			Name:      "samples_ingested_total",
			Help:      "Number of attribution events ingested, labeled by source name.",
		}, []string{"source"}),
		WavefrontLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ccprofdb",
			Subsystem: "pipeline",
			Name:      "wavefront_latency_seconds",
			Help:      "Time between successive DataClass wavefronts firing.",
			Buckets:   prometheus.DefBuckets,
		}),
		SourcesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccprofdb",
			Subsystem: "pipeline",
			Name:      "sources_in_flight",
			Help:      "Number of Source.Run goroutines currently running.",
		}),
	}

	reg.MustRegister(t.SamplesIngested, t.WavefrontLatency, t.SourcesInFlight)
	return t
}

// SourceStarted and SourceFinished bracket one Source.Run call.
func (t *Telemetry) SourceStarted() { t.SourcesInFlight.Inc() }
func (t *Telemetry) SourceFinished() { t.SourcesInFlight.Dec() }

// ObserveSample increments the per-source sample counter by one.
func (t *Telemetry) ObserveSample(source string) {
	t.SamplesIngested.WithLabelValues(source).Inc()
}

// WavefrontTimer returns a function that, when called, records the elapsed
// time since WavefrontTimer was called as one WavefrontLatency observation.
func (t *Telemetry) WavefrontTimer() func() {
	start := time.Now()
	return func() {
		t.WavefrontLatency.Observe(time.Since(start).Seconds())
	}
}
