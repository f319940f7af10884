// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// phaseDuration measures how long each phase of an invocation took.
	// Labels: phase (parse, reload, analyze), status (success, error)
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evaluate",
		Subsystem: "phase",
		Name:      "duration_seconds",
		Help:      "Duration of evaluate phases in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"phase", "status"})

	// samplesParsedTotal counts parsed samples by measurement type.
	// Labels: type
	samplesParsedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evaluate",
		Subsystem: "parse",
		Name:      "samples_total",
		Help:      "Total samples parsed by measurement type.",
	}, []string{"type"})

	// seriesAnalyzedTotal counts analyzed series by measurement type.
	// Labels: type
	seriesAnalyzedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evaluate",
		Subsystem: "analyze",
		Name:      "series_total",
		Help:      "Total series analyzed by measurement type.",
	}, []string{"type"})

	// samplesDroppedTotal counts samples outside the plotted time span.
	samplesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evaluate",
		Subsystem: "analyze",
		Name:      "samples_dropped_total",
		Help:      "Samples outside the plotted time span.",
	})

	// sinkWritesTotal counts sink write attempts.
	// Labels: sink (influxdb, gcs), status (success, error)
	sinkWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evaluate",
		Subsystem: "sink",
		Name:      "writes_total",
		Help:      "Total sink writes by sink and status.",
	}, []string{"sink", "status"})
)

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordPhase records the duration and outcome of a phase.
func RecordPhase(phase string, duration time.Duration, err error) {
	phaseDuration.WithLabelValues(phase, statusLabel(err)).Observe(duration.Seconds())
}

// RecordSamplesParsed adds n parsed samples for a measurement type.
func RecordSamplesParsed(measureType string, n int) {
	samplesParsedTotal.WithLabelValues(measureType).Add(float64(n))
}

// RecordSeriesAnalyzed records one analyzed series and the samples it
// dropped outside the plotted span.
func RecordSeriesAnalyzed(measureType string, dropped int) {
	seriesAnalyzedTotal.WithLabelValues(measureType).Inc()
	if dropped > 0 {
		samplesDroppedTotal.Add(float64(dropped))
	}
}

// RecordSinkWrite records a sink write attempt.
func RecordSinkWrite(sink string, err error) {
	sinkWritesTotal.WithLabelValues(sink, statusLabel(err)).Inc()
}

// WriteMetrics writes every registered metric to path in the Prometheus
// text exposition format, for pickup by node_exporter's textfile collector.
func WriteMetrics(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
