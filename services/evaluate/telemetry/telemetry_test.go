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
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"go.opentelemetry.io/otel"
)

func TestRecordMetrics_NoPanic(t *testing.T) {
	RecordPhase("parse", time.Second, nil)
	RecordPhase("analyze", time.Millisecond, errors.New("boom"))
	RecordSamplesParsed("latency", 10)
	RecordSeriesAnalyzed("latency", 3)
	RecordSeriesAnalyzed("latency", 0)
	RecordSinkWrite("influxdb", nil)
	RecordSinkWrite("gcs", errors.New("denied"))
}

func TestWriteMetrics(t *testing.T) {
	RecordPhase("parse", 250*time.Millisecond, nil)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := WriteMetrics(path); err != nil {
		t.Fatalf("WriteMetrics: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "evaluate_phase_duration_seconds") {
		t.Errorf("metrics file missing phase histogram:\n%s", data)
	}
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_NilLogger(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, t.TempDir(), nil)
	if err == nil {
		t.Fatal("expected error for nil logger")
	}
	if shutdown == nil {
		t.Fatal("shutdown must never be nil")
	}
}

func TestSetup_TraceFile(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	dir := t.TempDir()
	cfg := config.TelemetryConfig{TraceFile: "trace.json"}
	shutdown, err := Setup(context.Background(), cfg, dir, slog.Default())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "evaluate.test_span")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "trace.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "evaluate.test_span") {
		t.Errorf("trace file missing span:\n%s", data)
	}
}
