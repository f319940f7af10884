// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report presents analysis results on the terminal.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/AleutianAI/evaluate/services/evaluate/analyze"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// IsTerminal reports whether w writes to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Summary prints a table of per-series statistics once analysis is done.
// It implements analyze.Sink.
type Summary struct {
	out      io.Writer
	renderer *lipgloss.Renderer
}

// NewSummary creates a Summary writing to out. Colors are used only when
// out is a terminal.
func NewSummary(out io.Writer) *Summary {
	return &Summary{out: out, renderer: lipgloss.NewRenderer(out)}
}

// Name implements analyze.Sink.
func (s *Summary) Name() string { return "terminal" }

// Publish implements analyze.Sink.
func (s *Summary) Publish(_ context.Context, r *analyze.Report) error {
	_, err := io.WriteString(s.out, s.Render(r))
	return err
}

// Render returns the summary as text.
func (s *Summary) Render(r *analyze.Report) string {
	var (
		title  = s.renderer.NewStyle().Bold(true)
		header = s.renderer.NewStyle().Bold(true).Padding(0, 1)
		cell   = s.renderer.NewStyle().Padding(0, 1)
		number = cell.Align(lipgloss.Right)
		border = s.renderer.NewStyle().Foreground(lipgloss.Color("240"))
		warn   = s.renderer.NewStyle().Foreground(lipgloss.Color("214"))
	)

	headers := []string{"run", "series", "unit", "samples", "mean", "min", "max"}
	for _, p := range r.Percentiles {
		headers = append(headers, analyze.PercentileKey(p))
	}
	headers = append(headers, "dropped")

	rows := make([][]string, 0, len(r.Series))
	for _, sr := range r.Series {
		row := []string{
			sr.Run,
			sr.Series,
			sr.Unit,
			strconv.Itoa(sr.Summary.Count),
			formatValue(sr.Summary.Mean),
			formatValue(sr.Summary.Min),
			formatValue(sr.Summary.Max),
		}
		for _, p := range r.Percentiles {
			v, _ := sr.Summary.Percentile(p)
			row = append(row, formatValue(v))
		}
		row = append(row, strconv.Itoa(sr.Dropped))
		rows = append(rows, row)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return header
			case col < 3:
				return cell
			default:
				return number
			}
		})

	var b strings.Builder
	b.WriteString(title.Render(fmt.Sprintf("Analysis of %d series (%s)", len(r.Series), r.Type)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "plot span %ss, bucket width %ss, output %s\n",
		formatValue(r.Tunables.PlotSeconds), formatValue(r.Tunables.BucketWidth), r.Dir)
	b.WriteString(t.String())
	b.WriteString("\n")
	if dropped := r.Dropped(); dropped > 0 {
		b.WriteString(warn.Render(fmt.Sprintf("%d sample(s) outside the plotted span were not analyzed", dropped)))
		b.WriteString("\n")
	}
	return b.String()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
