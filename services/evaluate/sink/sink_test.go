// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/evaluate/services/evaluate/analyze"
	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"github.com/AleutianAI/evaluate/services/evaluate/measure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var generatedAt = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func testReport(dir string) *analyze.Report {
	bucket := func(idx int, mean float64) analyze.Bucket {
		return analyze.Bucket{
			Index: idx,
			Start: float64(idx) * 0.5,
			Stats: analyze.Stats{Count: 2, Sum: 2 * mean, Mean: mean, Min: mean, Max: mean, Percentiles: map[string]float64{"p50": mean}},
			Rate:  4 * mean,
		}
	}
	return &analyze.Report{
		Type:        measure.TypeLatency,
		Tunables:    config.Tunables{PlotSeconds: 30, BucketWidth: 0.5},
		Percentiles: []float64{50},
		GeneratedAt: generatedAt,
		Dir:         dir,
		Series: []analyze.SeriesReport{
			{
				Run: "node1/latency", Series: "read_lat", Unit: "ms",
				Buckets:   []analyze.Bucket{bucket(0, 1), bucket(1, 2), bucket(2, 3)},
				CSVFile:   "node1/latency/read_lat.csv",
				GraphFile: "node1/latency/read_lat.png",
			},
			{
				Run: "node2/latency", Series: "read_lat", Unit: "ms",
				Buckets: []analyze.Bucket{bucket(0, 5)},
				CSVFile: "node2/latency/read_lat.csv",
			},
		},
	}
}

// =============================================================================
// InfluxDB Tests
// =============================================================================

func TestNewInfluxDB_Validation(t *testing.T) {
	_, err := NewInfluxDB(config.InfluxDBConfig{}, testLogger())
	assert.Error(t, err, "disabled config must be rejected")
	_, err = NewInfluxDB(config.InfluxDBConfig{URL: "http://localhost:8086", Org: "o", Bucket: "b"}, nil)
	assert.Error(t, err)
}

func TestReportPoints(t *testing.T) {
	points := reportPoints(testReport(""))
	require.Len(t, points, 4)

	p := points[1]
	assert.Equal(t, "evaluate_latency", p.Name())
	assert.Equal(t, generatedAt.Add(500*time.Millisecond), p.Time())
	assert.Equal(t, generatedAt, points[0].Time(), "series start at the report time")
	assert.Equal(t, points[0].Time(), points[3].Time(), "every series shares the same start")

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"run": "node1/latency", "series": "read_lat", "unit": "ms"}, tags)

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 2.0, fields["mean"])
	assert.Equal(t, 2.0, fields["p50"])
	assert.Equal(t, 8.0, fields["rate"])
}

func TestInfluxDB_Publish(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		query  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		query = r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	s, err := NewInfluxDB(config.InfluxDBConfig{
		URL:       server.URL,
		Token:     "token",
		Org:       "perf",
		Bucket:    "runs",
		BatchSize: 3,
	}, testLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Publish(context.Background(), testReport("")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2, "four points in batches of three")
	var lines []string
	for _, body := range bodies {
		for _, l := range strings.Split(body, "\n") {
			if l != "" {
				lines = append(lines, l)
			}
		}
	}
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "evaluate_latency,"))
	assert.Contains(t, query, "org=perf")
	assert.Contains(t, query, "bucket=runs")
}

func TestInfluxDB_PublishError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"code":"unauthorized","message":"unauthorized access"}`)
	}))
	defer server.Close()

	s, err := NewInfluxDB(config.InfluxDBConfig{URL: server.URL, Org: "o", Bucket: "b"}, testLogger())
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.Publish(context.Background(), testReport("")))
}

// =============================================================================
// GCS Tests
// =============================================================================

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	err     error
}

func (f *fakeBucket) upload(_ context.Context, object, contentType string, r io.Reader) error {
	if f.err != nil {
		return f.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[object] = string(data)
	f.types[object] = contentType
	return nil
}

func writeArtifacts(t *testing.T, report *analyze.Report) {
	t.Helper()
	for _, rel := range report.Files() {
		p := filepath.Join(report.Dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(rel), 0o644))
	}
}

func TestGCS_Publish(t *testing.T) {
	report := testReport(t.TempDir())
	writeArtifacts(t, report)

	fb := &fakeBucket{objects: map[string]string{}, types: map[string]string{}}
	g := newGCS(config.GCSConfig{Bucket: "b", Prefix: "/evaluate/"}, fb.upload, nil, testLogger())
	require.NoError(t, g.Publish(context.Background(), report))
	assert.NoError(t, g.Close())

	base := "evaluate/20250304T050607Z/"
	assert.Len(t, fb.objects, 4)
	assert.Equal(t, "summary.json", fb.objects[base+"summary.json"])
	assert.Equal(t, "node1/latency/read_lat.png", fb.objects[base+"node1/latency/read_lat.png"])
	assert.Equal(t, "image/png", fb.types[base+"node1/latency/read_lat.png"])
	assert.Equal(t, "text/csv", fb.types[base+"node2/latency/read_lat.csv"])
	assert.Equal(t, "application/json", fb.types[base+"summary.json"])
}

func TestGCS_PublishErrors(t *testing.T) {
	report := testReport(t.TempDir())

	// Missing artifact on disk.
	fb := &fakeBucket{objects: map[string]string{}, types: map[string]string{}}
	g := newGCS(config.GCSConfig{Bucket: "b"}, fb.upload, nil, testLogger())
	assert.Error(t, g.Publish(context.Background(), report))

	writeArtifacts(t, report)
	uploadErr := errors.New("permission denied")
	fb.err = uploadErr
	err := g.Publish(context.Background(), report)
	assert.True(t, errors.Is(err, uploadErr))
}

func TestNewGCS_Validation(t *testing.T) {
	_, err := NewGCS(context.Background(), config.GCSConfig{}, testLogger())
	assert.Error(t, err)
	_, err = NewGCS(context.Background(), config.GCSConfig{Bucket: "b"}, nil)
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/svg+xml", contentType("a/b.SVG"))
	assert.Equal(t, "application/octet-stream", contentType("a.bin"))
}
