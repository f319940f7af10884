// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyze buckets parsed measurement series over time, computes
// statistics and writes tables, graphs and a JSON summary.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"github.com/AleutianAI/evaluate/services/evaluate/measure"
	"github.com/AleutianAI/evaluate/services/evaluate/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tracerName = "evaluate.analyze"

// DirName is the directory below the output directory that receives the
// analysis output.
const DirName = "analysis"

// ErrNoResults is returned when Analyze is called without results.
var ErrNoResults = errors.New("no parsed results to analyze")

// ErrDuplicateSeries is returned when two series would share output files.
var ErrDuplicateSeries = errors.New("series output paths collide")

// =============================================================================
// Report
// =============================================================================

// SeriesReport is the analysis of one series of one run.
type SeriesReport struct {
	Run    string `json:"run"`
	Series string `json:"series"`
	Unit   string `json:"unit,omitempty"`

	// Summary covers every sample inside the plotted time span.
	Summary Stats `json:"summary"`

	// Dropped counts samples at or beyond the plotted time span.
	Dropped int `json:"dropped"`

	Buckets []Bucket `json:"buckets"`

	// CSVFile and GraphFile are relative to the analysis directory.
	// GraphFile is empty when there was nothing to plot.
	CSVFile   string `json:"csv_file"`
	GraphFile string `json:"graph_file,omitempty"`
}

// Report is the outcome of one Analyze call.
type Report struct {
	Type        measure.Type    `json:"type"`
	Tunables    config.Tunables `json:"tunables"`
	Percentiles []float64       `json:"percentiles"`
	GeneratedAt time.Time       `json:"generated_at"`
	Series      []SeriesReport  `json:"series"`

	// Dir is the absolute analysis directory. Not serialized.
	Dir string `json:"-"`
}

// Files returns every file written for the report, relative to Dir,
// including the summary.
func (r *Report) Files() []string {
	files := []string{SummaryFile}
	for _, s := range r.Series {
		files = append(files, s.CSVFile)
		if s.GraphFile != "" {
			files = append(files, s.GraphFile)
		}
	}
	return files
}

// Dropped returns the total of dropped samples over all series.
func (r *Report) Dropped() int {
	n := 0
	for _, s := range r.Series {
		n += s.Dropped
	}
	return n
}

// Sink receives a finished report.
//
// Implementations publish the report somewhere outside the output
// directory, or present it to the user.
type Sink interface {
	Name() string
	Publish(ctx context.Context, report *Report) error
}

// =============================================================================
// Analyzer
// =============================================================================

// ProgressFunc is called after each series with the number of series done
// and the total. It may be called from several goroutines.
type ProgressFunc func(done, total int)

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithSinks adds sinks that receive the report after it is written.
func WithSinks(sinks ...Sink) Option {
	return func(a *Analyzer) { a.sinks = append(a.sinks, sinks...) }
}

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(a *Analyzer) { a.progress = fn }
}

// WithClock overrides the time source used for Report.GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// Analyzer turns parsed results into analysis output.
//
// Thread Safety: Safe for concurrent use when the installed sinks and
// progress callback are.
type Analyzer struct {
	cfg      *config.Config
	logger   *slog.Logger
	sinks    []Sink
	progress ProgressFunc
	now      func() time.Time
}

// New creates an Analyzer.
//
// Inputs:
//
//	cfg - Configuration. Must not be nil.
//	logger - Logger for diagnostic output. Must not be nil.
//	opts - Optional sinks, progress callback and clock.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Analyzer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	a := &Analyzer{cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Analyze writes the analysis of results below outputDir/analysis.
//
// Description:
//
//	Every series is bucketed with the given tunables and summarized. Each
//	series gets a bucket table (<run>/<series>.csv) and, when it has
//	samples inside the plotted span, a graph in the configured format.
//	With multiProcess the series are processed concurrently. When all
//	files are written the summary.json report is saved and handed to the
//	sinks in order.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	results - Parsed results. Must not be nil.
//	mt - Measurement type; selects the unit and the plotted values.
//	outputDir - Output directory.
//	multiProcess - Process series concurrently.
//	tunables - Bucket width and plotted time span for this call.
//
// Outputs:
//
//	error - Non-nil on invalid tunables, write failures or a sink error.
//	        Files written before the failure are left in place.
func (a *Analyzer) Analyze(ctx context.Context, results *measure.Results, mt measure.Type, outputDir string, multiProcess bool, tunables config.Tunables) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "analyze.Analyzer.Analyze")
	defer span.End()

	if results == nil {
		return ErrNoResults
	}
	if err := tunables.Validate(); err != nil {
		return fmt.Errorf("analysis tunables: %w", err)
	}

	dir := filepath.Join(outputDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create analysis directory: %w", err)
	}

	type job struct {
		run    string
		series measure.Series
	}
	var jobs []job
	owners := make(map[string]string)
	for _, run := range results.Runs {
		for _, s := range run.Series {
			csvFile, _ := seriesPaths(run.Name, s.Name, a.cfg.Analysis.GraphFormat)
			owner := run.Name + "/" + s.Name
			if prev, ok := owners[csvFile]; ok {
				return fmt.Errorf("%w: %q and %q both write %s", ErrDuplicateSeries, prev, owner, filepath.ToSlash(csvFile))
			}
			owners[csvFile] = owner
			jobs = append(jobs, job{run: run.Name, series: s})
		}
	}

	reports := make([]SeriesReport, len(jobs))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.EffectiveWorkers(multiProcess))
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rep, err := a.analyzeSeries(dir, j.run, j.series, mt, tunables)
			if err != nil {
				return err
			}
			reports[i] = rep
			telemetry.RecordSeriesAnalyzed(mt.String(), rep.Dropped)
			if a.progress != nil {
				a.progress(int(done.Add(1)), len(jobs))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	report := &Report{
		Type:        mt,
		Tunables:    tunables,
		Percentiles: a.cfg.Analysis.Percentiles,
		GeneratedAt: a.now().UTC(),
		Series:      reports,
		Dir:         dir,
	}
	if err := writeSummary(filepath.Join(dir, SummaryFile), report); err != nil {
		return err
	}

	span.SetAttributes(
		attribute.String("type", mt.String()),
		attribute.Int("series", len(reports)),
		attribute.Int("dropped", report.Dropped()),
	)
	a.logger.Info("analysis written",
		slog.String("dir", dir),
		slog.String("type", mt.String()),
		slog.Int("series", len(reports)),
		slog.Int("dropped", report.Dropped()),
	)

	for _, sink := range a.sinks {
		if err := sink.Publish(ctx, report); err != nil {
			return fmt.Errorf("sink %s: %w", sink.Name(), err)
		}
	}
	return nil
}

func (a *Analyzer) analyzeSeries(dir, run string, series measure.Series, mt measure.Type, tunables config.Tunables) (SeriesReport, error) {
	percentiles := a.cfg.Analysis.Percentiles
	buckets, kept, dropped := bucketize(series.Samples, tunables, percentiles)

	csvFile, graphFile := seriesPaths(run, series.Name, a.cfg.Analysis.GraphFormat)
	rep := SeriesReport{
		Run:     run,
		Series:  series.Name,
		Unit:    mt.Unit(),
		Summary: computeStats(kept, percentiles),
		Dropped: dropped,
		Buckets: buckets,
		CSVFile: filepath.ToSlash(csvFile),
	}

	if err := writeBucketCSV(filepath.Join(dir, csvFile), buckets, percentiles); err != nil {
		return SeriesReport{}, err
	}

	if len(buckets) > 0 {
		err := renderGraph(filepath.Join(dir, graphFile), graphSpec{
			title:        run + " " + series.Name,
			unit:         unitFor(mt),
			plotSeconds:  tunables.PlotSeconds,
			widthInches:  a.cfg.Analysis.GraphWidthInches,
			heightInches: a.cfg.Analysis.GraphHeightInches,
			lines:        linesFor(mt, percentiles),
			buckets:      buckets,
		})
		if err != nil {
			return SeriesReport{}, err
		}
		rep.GraphFile = filepath.ToSlash(graphFile)
	}

	if dropped > 0 {
		a.logger.Debug("samples outside plotted span",
			slog.String("run", run),
			slog.String("series", series.Name),
			slog.Int("dropped", dropped),
		)
	}
	return rep, nil
}
