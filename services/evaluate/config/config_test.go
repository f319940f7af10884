// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoad_Embedded(t *testing.T) {
	ctx := context.Background()
	cfg, err := Load(ctx, defaultConfigYAML)
	if err != nil {
		t.Fatalf("Load failed on embedded YAML: %v", err)
	}

	if cfg.Analysis.PlotSeconds != DefaultPlotSeconds {
		t.Errorf("expected plot_seconds = %v, got %v", DefaultPlotSeconds, cfg.Analysis.PlotSeconds)
	}
	if cfg.Analysis.BucketWidth != DefaultBucketWidth {
		t.Errorf("expected bucket_width = %v, got %v", DefaultBucketWidth, cfg.Analysis.BucketWidth)
	}
	if len(cfg.Analysis.Percentiles) != 3 {
		t.Errorf("expected 3 percentiles, got %v", cfg.Analysis.Percentiles)
	}
	if cfg.Parse.MetadataFiles[0] != "measure.env" {
		t.Errorf("unexpected metadata files %v", cfg.Parse.MetadataFiles)
	}
	if cfg.Sinks.InfluxDB.Enabled() || cfg.Sinks.GCS.Enabled() {
		t.Error("sinks must be disabled by default")
	}
}

func TestLoad_EmptyUsesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis.GraphFormat != DefaultGraphFormat {
		t.Errorf("expected default graph format, got %q", cfg.Analysis.GraphFormat)
	}
	if cfg.Telemetry.MetricsFile != DefaultMetricsFile {
		t.Errorf("expected default metrics file, got %q", cfg.Telemetry.MetricsFile)
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	data := []byte(`
analysis:
  bucket_width: 0.25
workers: 4
`)
	cfg, err := Load(context.Background(), data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis.BucketWidth != 0.25 {
		t.Errorf("expected bucket_width = 0.25, got %v", cfg.Analysis.BucketWidth)
	}
	if cfg.Analysis.PlotSeconds != DefaultPlotSeconds {
		t.Errorf("plot_seconds should keep its default, got %v", cfg.Analysis.PlotSeconds)
	}
	if cfg.EffectiveWorkers(true) != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.EffectiveWorkers(true))
	}
	if cfg.EffectiveWorkers(false) != 1 {
		t.Errorf("expected 1 worker without multi-process, got %d", cfg.EffectiveWorkers(false))
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"negative bucket", "analysis:\n  bucket_width: -1\n"},
		{"bad graph format", "analysis:\n  graph_format: gif\n"},
		{"percentile out of range", "analysis:\n  percentiles: [50, 100]\n"},
		{"negative workers", "workers: -2\n"},
		{"influx without bucket", "sinks:\n  influxdb:\n    url: http://localhost:8086\n    org: o\n"},
		{"influx bad url", "sinks:\n  influxdb:\n    url: '::nope'\n    org: o\n    bucket: b\n"},
		{"compression level", "storage:\n  compression_level: 12\n"},
		{"malformed yaml", "analysis: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(context.Background(), []byte(tt.yaml)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evaluate.yaml")
	if err := os.WriteFile(path, []byte("analysis:\n  plot_seconds: 120\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Analysis.PlotSeconds != 120 {
		t.Errorf("expected plot_seconds = 120, got %v", cfg.Analysis.PlotSeconds)
	}

	if _, err := LoadFile(context.Background(), filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_BuiltinMatchesEmbedded(t *testing.T) {
	embedded, err := Load(context.Background(), defaultConfigYAML)
	if err != nil {
		t.Fatalf("Load embedded: %v", err)
	}
	empty, err := Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("Load empty: %v", err)
	}
	if !reflect.DeepEqual(embedded, empty) {
		t.Errorf("built-in defaults differ from evaluate.yaml:\nembedded: %+v\nbuiltin:  %+v", embedded, empty)
	}
}

func TestLoadFile_OverlaysEmbedded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evaluate.yaml")
	if err := os.WriteFile(path, []byte("sinks:\n  gcs:\n    bucket: results\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	def, err := Default(context.Background())
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if cfg.Sinks.GCS.Bucket != "results" {
		t.Errorf("expected gcs bucket from file, got %q", cfg.Sinks.GCS.Bucket)
	}
	def.Sinks.GCS.Bucket = "results"
	if !reflect.DeepEqual(def, cfg) {
		t.Errorf("keys absent from the file must keep embedded values:\nwant: %+v\ngot:  %+v", def, cfg)
	}
}

func TestDefault_ReturnsCopy(t *testing.T) {
	a, err := Default(context.Background())
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	a.Analysis.Percentiles[0] = 1
	a.Analysis.PlotSeconds = 1

	b, err := Default(context.Background())
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if b.Analysis.Percentiles[0] != 50 || b.Analysis.PlotSeconds != DefaultPlotSeconds {
		t.Error("Default must return an independent copy")
	}
}

func TestTunables_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tun     Tunables
		wantErr bool
	}{
		{"defaults", Tunables{60, 1}, false},
		{"zero span", Tunables{0, 1}, true},
		{"negative width", Tunables{60, -0.5}, true},
		{"infinite span", Tunables{math.Inf(1), 1}, true},
		{"nan width", Tunables{60, math.NaN()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tun.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
