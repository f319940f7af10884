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
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/evaluate/services/evaluate/measure"
)

// KeyMeasureType names the measurement type in the run descriptor.
const KeyMeasureType = "MEASURE_TYPE"

// findMetadataFile returns the first candidate that exists in dir, or "" if
// none does.
func findMetadataFile(dir string, candidates []string) (string, error) {
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", nil
}

// readMetadata parses a run descriptor file.
//
// Description:
//
//	Accepts shell-style "KEY=VALUE" lines (an optional "export " prefix is
//	ignored) and "KEY: VALUE" lines. Blank lines and lines starting with
//	'#' are skipped, and values may be wrapped in single or double quotes.
//	Later occurrences of a key replace earlier ones.
func readMetadata(path string) (measure.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata file: %w", err)
	}
	defer func() { _ = f.Close() }()

	meta, err := decodeMetadata(f, path)
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func decodeMetadata(r io.Reader, name string) (measure.Metadata, error) {
	meta := make(measure.Metadata)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := splitMetadataLine(line)
		if !ok {
			return nil, &LineError{File: name, Line: lineNo, Err: fmt.Errorf("expected KEY=VALUE or KEY: VALUE, got %q", line)}
		}
		meta[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan metadata file: %w", err)
	}
	return meta, nil
}

func splitMetadataLine(line string) (string, string, bool) {
	sep := strings.IndexAny(line, "=:")
	if sep <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:sep])
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(line[sep+1:])), true
}

func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' || first == '\'') && first == last {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// detectType determines the measurement type of a run.
//
// Description:
//
//	An explicit MEASURE_TYPE entry wins when it names a known type.
//	Otherwise the series names vote: names containing "lat" suggest
//	latency, "ops", "throughput", "bytes" or "req" suggest throughput, and
//	"cpu", "mem" or "util" suggest a resource run. Ties or no votes yield
//	TypeGeneric.
func detectType(meta measure.Metadata, results *measure.Results) measure.Type {
	if v, ok := meta.Lookup(KeyMeasureType); ok {
		if t, known := measure.ParseType(v); known {
			return t
		}
	}

	votes := make(map[measure.Type]int)
	for _, name := range results.SeriesNames() {
		n := strings.ToLower(name)
		switch {
		case strings.Contains(n, "lat"):
			votes[measure.TypeLatency]++
		case strings.Contains(n, "ops"), strings.Contains(n, "throughput"),
			strings.Contains(n, "bytes"), strings.Contains(n, "req"):
			votes[measure.TypeThroughput]++
		case strings.Contains(n, "cpu"), strings.Contains(n, "mem"), strings.Contains(n, "util"):
			votes[measure.TypeResource]++
		}
	}

	best, bestVotes, tie := measure.TypeGeneric, 0, false
	for _, t := range []measure.Type{measure.TypeLatency, measure.TypeThroughput, measure.TypeResource} {
		switch {
		case votes[t] > bestVotes:
			best, bestVotes, tie = t, votes[t], false
		case votes[t] == bestVotes && bestVotes > 0:
			tie = true
		}
	}
	if tie {
		return measure.TypeGeneric
	}
	return best
}
