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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/evaluate/services/evaluate/measure"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SummaryFile is the name of the JSON report in the analysis directory.
const SummaryFile = "summary.json"

var palette = []color.RGBA{
	{0, 114, 178, 255},
	{220, 53, 69, 255},
	{100, 200, 100, 255},
	{255, 159, 64, 255},
	{153, 102, 255, 255},
	{75, 192, 192, 255},
}

// sanitizeName makes a series name safe to use as a file name.
func sanitizeName(s string) string {
	s = strings.TrimSpace(s)
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		" ", "_",
		":", "_",
		"..", "_",
	)
	s = replacer.Replace(s)
	if s == "" {
		return "series"
	}
	return s
}

// seriesPaths returns the CSV and graph paths of a series, relative to the
// analysis directory.
func seriesPaths(run, series, format string) (string, string) {
	base := filepath.Join(filepath.FromSlash(run), sanitizeName(series))
	return base + ".csv", base + "." + format
}

// writeBucketCSV writes the bucket table of one series.
func writeBucketCSV(path string, buckets []Bucket, percentiles []float64) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	w := csv.NewWriter(f)
	header := []string{"bucket", "start", "count", "mean", "min", "max", "stddev", "rate"}
	for _, p := range percentiles {
		header = append(header, PercentileKey(p))
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	format := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, b := range buckets {
		row := []string{
			strconv.Itoa(b.Index),
			format(b.Start),
			strconv.Itoa(b.Count),
			format(b.Mean),
			format(b.Min),
			format(b.Max),
			format(b.StdDev),
			format(b.Rate),
		}
		for _, p := range percentiles {
			row = append(row, format(b.Percentiles[PercentileKey(p)]))
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// graphSpec describes one graph.
type graphSpec struct {
	title        string
	unit         string
	plotSeconds  float64
	widthInches  float64
	heightInches float64
	lines        []line
	buckets      []Bucket
}

// renderGraph draws the bucketed series and saves it to path. The file
// format follows the extension.
func renderGraph(path string, g graphSpec) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}

	p := plot.New()
	p.Title.Text = g.title
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = g.unit
	p.X.Min = 0
	p.X.Max = g.plotSeconds
	p.Legend.Top = true

	for i, ln := range g.lines {
		pts := make(plotter.XYs, len(g.buckets))
		for j, b := range g.buckets {
			pts[j].X = b.Start
			pts[j].Y = ln.value(b)
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("plot %s: %w", ln.name, err)
		}
		l.Color = palette[i%len(palette)]
		l.Width = vg.Points(2)
		p.Add(l)
		p.Legend.Add(ln.name, l)
	}

	if err := p.Save(vg.Length(g.widthInches)*vg.Inch, vg.Length(g.heightInches)*vg.Inch, path); err != nil {
		return fmt.Errorf("save graph %s: %w", path, err)
	}
	return nil
}

// writeSummary writes the report as indented JSON.
func writeSummary(path string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// unitFor returns the y-axis label of a type.
func unitFor(mt measure.Type) string {
	u := mt.Unit()
	if u == "" {
		return "value"
	}
	return u
}
