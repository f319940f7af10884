// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyze

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"github.com/AleutianAI/evaluate/services/evaluate/measure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Stats Tests
// =============================================================================

func TestComputeStats(t *testing.T) {
	s := computeStats([]float64{4, 2, 8, 6}, []float64{50, 90})
	assert.Equal(t, 4, s.Count)
	assert.Equal(t, 20.0, s.Sum)
	assert.Equal(t, 5.0, s.Mean)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 8.0, s.Max)
	assert.InDelta(t, 2.2360679, s.StdDev, 1e-6)

	p50, ok := s.Percentile(50)
	require.True(t, ok)
	assert.Equal(t, 4.0, p50)
	p90, _ := s.Percentile(90)
	assert.Equal(t, 8.0, p90)

	assert.Equal(t, Stats{}, computeStats(nil, []float64{50}))
}

func TestNearestRank(t *testing.T) {
	sorted := []float64{15, 20, 35, 40, 50}
	tests := []struct {
		p    float64
		want float64
	}{
		{5, 15},
		{30, 20},
		{40, 20},
		{50, 35},
		{99, 50},
		{100, 50},
	}
	for _, tt := range tests {
		t.Run(PercentileKey(tt.p), func(t *testing.T) {
			assert.Equal(t, tt.want, nearestRank(sorted, tt.p))
		})
	}
}

func TestPercentileKey(t *testing.T) {
	assert.Equal(t, "p50", PercentileKey(50))
	assert.Equal(t, "p99.9", PercentileKey(99.9))
}

func TestBucketize(t *testing.T) {
	samples := []measure.Sample{
		{Time: 100.0, Value: 1},
		{Time: 100.4, Value: 3},
		{Time: 101.2, Value: 5},
		{Time: 103.0, Value: 7},
		{Time: 110.0, Value: 9}, // offset 10, dropped
		{Time: 104.99, Value: 2},
	}
	tunables := config.Tunables{PlotSeconds: 5, BucketWidth: 1}

	buckets, kept, dropped := bucketize(samples, tunables, []float64{50})
	assert.Equal(t, 1, dropped)
	assert.Len(t, kept, 5)

	require.Len(t, buckets, 4)
	assert.Equal(t, []int{0, 1, 3, 4}, []int{buckets[0].Index, buckets[1].Index, buckets[2].Index, buckets[3].Index})
	assert.Equal(t, 2, buckets[0].Count)
	assert.Equal(t, 2.0, buckets[0].Mean)
	assert.Equal(t, 4.0, buckets[0].Rate)
	assert.Equal(t, 3.0, buckets[2].Start)
}

func TestBucketize_HalfSecondBuckets(t *testing.T) {
	samples := []measure.Sample{{Time: 0, Value: 1}, {Time: 0.5, Value: 1}, {Time: 0.75, Value: 1}, {Time: 30, Value: 1}}
	buckets, _, dropped := bucketize(samples, config.Tunables{PlotSeconds: 30, BucketWidth: 0.5}, nil)
	assert.Equal(t, 1, dropped, "a sample exactly at the plotted span is dropped")
	require.Len(t, buckets, 2)
	assert.Equal(t, 2, buckets[1].Count)
	assert.Equal(t, 4.0, buckets[1].Rate)
}

func TestLinesFor(t *testing.T) {
	assert.Len(t, linesFor(measure.TypeLatency, []float64{50, 99}), 2)
	assert.Equal(t, "rate", linesFor(measure.TypeThroughput, nil)[0].name)
	assert.Equal(t, "mean", linesFor(measure.TypeResource, nil)[0].name)
	assert.Equal(t, "mean", linesFor(measure.TypeLatency, nil)[0].name)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a_b", sanitizeName("a/b"))
	assert.Equal(t, "read_lat", sanitizeName(" read lat "))
	assert.Equal(t, "_", sanitizeName(".."))
	assert.Equal(t, "series", sanitizeName(""))
}

// =============================================================================
// Analyzer Tests
// =============================================================================

type captureSink struct {
	mu      sync.Mutex
	reports []*Report
	err     error
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Publish(_ context.Context, r *Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return c.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default(context.Background())
	require.NoError(t, err)
	cfg.Workers = 4
	cfg.Analysis.GraphWidthInches = 4
	cfg.Analysis.GraphHeightInches = 3
	return cfg
}

func testResults() *measure.Results {
	var samples []measure.Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, measure.Sample{Time: float64(i) * 0.5, Value: float64(i%5 + 1)})
	}
	return &measure.Results{Runs: []measure.Run{
		{Name: "node1/latency", Series: []measure.Series{
			{Name: "read_lat", Samples: samples},
			{Name: "write_lat", Samples: samples[:4]},
		}},
		{Name: "node2/latency", Series: []measure.Series{
			{Name: "read_lat", Samples: nil},
		}},
	}}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, slog.Default())
	assert.Error(t, err)
	_, err = New(testConfig(t), nil)
	assert.Error(t, err)
}

func TestAnalyzer_Analyze(t *testing.T) {
	for _, multi := range []bool{false, true} {
		t.Run(map[bool]string{false: "single", true: "multi"}[multi], func(t *testing.T) {
			cfg := testConfig(t)
			sink := &captureSink{}
			var progressMu sync.Mutex
			var lastDone, total int
			fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

			a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
				WithSinks(sink),
				WithClock(func() time.Time { return fixed }),
				WithProgress(func(done, n int) {
					progressMu.Lock()
					defer progressMu.Unlock()
					if done > lastDone {
						lastDone = done
					}
					total = n
				}),
			)
			require.NoError(t, err)

			out := t.TempDir()
			tunables := config.Tunables{PlotSeconds: 5, BucketWidth: 1}
			require.NoError(t, a.Analyze(context.Background(), testResults(), measure.TypeLatency, out, multi, tunables))

			assert.Equal(t, 3, lastDone)
			assert.Equal(t, 3, total)

			require.Len(t, sink.reports, 1)
			report := sink.reports[0]
			assert.Equal(t, fixed, report.GeneratedAt)
			assert.Equal(t, tunables, report.Tunables)
			require.Len(t, report.Series, 3)

			read := report.Series[0]
			assert.Equal(t, "node1/latency", read.Run)
			assert.Equal(t, "read_lat", read.Series)
			assert.Equal(t, "ms", read.Unit)
			assert.Equal(t, 10, read.Summary.Count)
			assert.Equal(t, 10, read.Dropped)
			assert.Len(t, read.Buckets, 5)
			assert.Equal(t, "node1/latency/read_lat.csv", read.CSVFile)
			assert.Equal(t, "node1/latency/read_lat.png", read.GraphFile)

			empty := report.Series[2]
			assert.Empty(t, empty.GraphFile)
			assert.Equal(t, 0, empty.Summary.Count)

			dir := filepath.Join(out, DirName)
			for _, f := range report.Files() {
				_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f)))
				assert.NoError(t, err, "missing %s", f)
			}

			f, err := os.Open(filepath.Join(dir, "node1", "latency", "read_lat.csv"))
			require.NoError(t, err)
			defer f.Close()
			rows, err := csv.NewReader(f).ReadAll()
			require.NoError(t, err)
			require.Len(t, rows, 6)
			assert.Equal(t, []string{"bucket", "start", "count", "mean", "min", "max", "stddev", "rate", "p50", "p90", "p99"}, rows[0])

			data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
			require.NoError(t, err)
			var decoded Report
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, measure.TypeLatency, decoded.Type)
			assert.Len(t, decoded.Series, 3)
		})
	}
}

func TestAnalyzer_SVG(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analysis.GraphFormat = "svg"
	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, a.Analyze(context.Background(), testResults(), measure.TypeThroughput, out, false, config.Tunables{PlotSeconds: 60, BucketWidth: 2}))
	_, err = os.Stat(filepath.Join(out, DirName, "node1", "latency", "read_lat.svg"))
	assert.NoError(t, err)
}

func TestAnalyzer_Errors(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(cfg, logger)
	require.NoError(t, err)
	err = a.Analyze(context.Background(), nil, measure.TypeGeneric, t.TempDir(), false, config.Tunables{PlotSeconds: 1, BucketWidth: 1})
	assert.True(t, errors.Is(err, ErrNoResults))

	err = a.Analyze(context.Background(), testResults(), measure.TypeGeneric, t.TempDir(), false, config.Tunables{PlotSeconds: 1, BucketWidth: 0})
	assert.Error(t, err)

	sinkErr := errors.New("unreachable")
	a, err = New(cfg, logger, WithSinks(&captureSink{err: sinkErr}))
	require.NoError(t, err)
	err = a.Analyze(context.Background(), testResults(), measure.TypeGeneric, t.TempDir(), false, config.Tunables{PlotSeconds: 10, BucketWidth: 1})
	assert.True(t, errors.Is(err, sinkErr))
}

func TestAnalyzer_OutputIsFile(t *testing.T) {
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, DirName), []byte("x"), 0o644))
	a, err := New(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	err = a.Analyze(context.Background(), testResults(), measure.TypeGeneric, out, false, config.Tunables{PlotSeconds: 10, BucketWidth: 1})
	assert.Error(t, err)
}

func TestAnalyzer_CollidingSeriesPaths(t *testing.T) {
	samples := []measure.Sample{{Time: 0, Value: 1}}
	tests := []struct {
		name string
		runs []measure.Run
	}{
		{"same run name", []measure.Run{
			{Name: "lat", Series: []measure.Series{{Name: "lat", Samples: samples}}},
			{Name: "lat", Series: []measure.Series{{Name: "lat", Samples: samples}}},
		}},
		{"repeated series", []measure.Run{
			{Name: "lat", Series: []measure.Series{{Name: "lat", Samples: samples}, {Name: "lat", Samples: samples}}},
		}},
		{"same name after sanitizing", []measure.Run{
			{Name: "node", Series: []measure.Series{{Name: "read lat", Samples: samples}, {Name: "read_lat", Samples: samples}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
			require.NoError(t, err)
			out := t.TempDir()
			err = a.Analyze(context.Background(), &measure.Results{Runs: tt.runs}, measure.TypeGeneric, out, true, config.Tunables{PlotSeconds: 10, BucketWidth: 1})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDuplicateSeries))
			_, err = os.Stat(filepath.Join(out, DirName, SummaryFile))
			assert.True(t, os.IsNotExist(err), "no summary is written for colliding series")
		})
	}
}
