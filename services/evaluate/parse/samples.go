// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/evaluate/services/evaluate/measure"
)

// LineError reports a malformed line in a raw input file.
type LineError struct {
	File string
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// runName derives a run name from a sample file path relative to root.
func runName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return filepath.ToSlash(rel)
}

// parseSampleFile reads one raw sample file into a Run.
func parseSampleFile(root, path string, maxLineBytes int) (measure.Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return measure.Run{}, fmt.Errorf("open sample file: %w", err)
	}
	defer func() { _ = f.Close() }()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	series, err := decodeSamples(f, filepath.ToSlash(rel), maxLineBytes)
	if err != nil {
		return measure.Run{}, err
	}
	return measure.Run{
		Name:   runName(root, path),
		Source: filepath.ToSlash(rel),
		Series: series,
	}, nil
}

// decodeSamples decodes a table of samples.
//
// Description:
//
//	Fields are separated by commas, semicolons or whitespace. The first
//	column is the sample time in seconds; every further column is one
//	series. When the first data line starts with a non-numeric field it is
//	taken as a header naming the series; without a header the series are
//	named "value" (one column) or "value1".."valueN". Lines starting with
//	'#' and blank lines are skipped. Every data line must have the same
//	number of fields.
func decodeSamples(r io.Reader, name string, maxLineBytes int) ([]measure.Series, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		series  []measure.Series
		columns int
		lineNo  int
	)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := splitFields(line)

		if series == nil {
			if len(fields) < 2 {
				return nil, &LineError{File: name, Line: lineNo, Err: fmt.Errorf("need a time column and at least one value column, got %d field(s)", len(fields))}
			}
			columns = len(fields)
			if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
				if dup, ok := duplicateName(fields[1:]); ok {
					return nil, &LineError{File: name, Line: lineNo, Err: fmt.Errorf("duplicate series name %q", dup)}
				}
				series = newSeries(fields[1:])
				continue
			}
			series = newSeries(defaultNames(columns - 1))
		}

		if len(fields) != columns {
			return nil, &LineError{File: name, Line: lineNo, Err: fmt.Errorf("expected %d fields, got %d", columns, len(fields))}
		}
		t, err := parseFinite(fields[0])
		if err != nil {
			return nil, &LineError{File: name, Line: lineNo, Err: fmt.Errorf("invalid time %q: %w", fields[0], err)}
		}
		for i, raw := range fields[1:] {
			v, err := parseFinite(raw)
			if err != nil {
				return nil, &LineError{File: name, Line: lineNo, Err: fmt.Errorf("invalid value %q in column %d: %w", raw, i+2, err)}
			}
			series[i].Samples = append(series[i].Samples, measure.Sample{Time: t, Value: v})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	return series, nil
}

// ErrNotFinite is returned for NaN and infinite sample fields.
var ErrNotFinite = errors.New("value is not finite")

// parseFinite parses a sample field, rejecting NaN and ±Inf which
// strconv accepts.
func parseFinite(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNotFinite
	}
	return v, nil
}

func duplicateName(names []string) (string, bool) {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			return n, true
		}
		seen[n] = struct{}{}
	}
	return "", false
}

// uniqueRunNames renames runs whose names collide, which happens when
// files differ only in extension (lat.csv, lat.dat). Colliding runs are
// named by their source path instead. runs must be sorted by name.
func uniqueRunNames(runs []measure.Run) {
	for i := 0; i < len(runs); {
		j := i + 1
		for j < len(runs) && runs[j].Name == runs[i].Name {
			j++
		}
		if j-i > 1 {
			for k := i; k < j; k++ {
				runs[k].Name = runs[k].Source
			}
		}
		i = j
	}
}

func splitFields(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
}

func newSeries(names []string) []measure.Series {
	series := make([]measure.Series, len(names))
	for i, n := range names {
		series[i].Name = n
	}
	return series
}

func defaultNames(n int) []string {
	if n == 1 {
		return []string{"value"}
	}
	names := make([]string, n)
	for i := range names {
		names[i] = "value" + strconv.Itoa(i+1)
	}
	return names
}
