// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package measure holds the data exchanged between the parse and analyze
// phases: the measurement type, the auto-detect metadata and the parsed
// results themselves.
package measure

import (
	"sort"
	"strings"
)

// =============================================================================
// Measurement Type
// =============================================================================

// Type identifies how parsed results should be interpreted by the analyzer.
type Type string

const (
	// TypeLatency is a run whose series are per-operation latencies.
	TypeLatency Type = "latency"

	// TypeThroughput is a run whose series are operation or byte counts.
	TypeThroughput Type = "throughput"

	// TypeResource is a run whose series are resource gauges (cpu, memory).
	TypeResource Type = "resource"

	// TypeGeneric is used when nothing more specific can be determined.
	TypeGeneric Type = "generic"
)

// ParseType converts a string to a Type.
//
// Description:
//
//	Matching is case-insensitive and ignores surrounding whitespace.
//
// Outputs:
//
//	Type - The matched type, or TypeGeneric when unknown.
//	bool - True if s named a known type.
func ParseType(s string) (Type, bool) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeLatency:
		return TypeLatency, true
	case TypeThroughput:
		return TypeThroughput, true
	case TypeResource:
		return TypeResource, true
	case TypeGeneric:
		return TypeGeneric, true
	default:
		return TypeGeneric, false
	}
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if t == "" {
		return string(TypeGeneric)
	}
	return string(t)
}

// Unit returns the display unit for values of this type.
func (t Type) Unit() string {
	switch t {
	case TypeLatency:
		return "ms"
	case TypeThroughput:
		return "ops/s"
	case TypeResource:
		return "%"
	default:
		return ""
	}
}

// =============================================================================
// Auto-Detect Metadata
// =============================================================================

// Metadata maps descriptor keys from the raw run (sampling interval,
// measurement duration, ...) to their string values.
type Metadata map[string]string

// Lookup returns the value for key and whether it was present.
func (m Metadata) Lookup(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

// Keys returns the metadata keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Parsed Results
// =============================================================================

// Sample is a single measured value at a point in time.
type Sample struct {
	// Time is the sample timestamp in seconds, as written by the tool that
	// produced the raw output.
	Time float64 `json:"t"`

	// Value is the measured value.
	Value float64 `json:"v"`
}

// Series is one measured quantity within a run.
type Series struct {
	Name    string   `json:"name"`
	Samples []Sample `json:"samples"`
}

// Run is the content of one raw sample file.
type Run struct {
	// Name is the file path relative to the input directory, without
	// extension, using forward slashes.
	Name string `json:"name"`

	// Source is the raw file the run was parsed from.
	Source string `json:"source"`

	Series []Series `json:"series"`
}

// Results is the structured output of the parse phase.
//
// Thread Safety: Treated as immutable once returned by the parser or the
// reload path; the analyzer only reads it.
type Results struct {
	Runs []Run `json:"runs"`
}

// SeriesCount returns the number of series across all runs.
func (r *Results) SeriesCount() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, run := range r.Runs {
		n += len(run.Series)
	}
	return n
}

// SampleCount returns the number of samples across all runs.
func (r *Results) SampleCount() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, run := range r.Runs {
		for _, s := range run.Series {
			n += len(s.Samples)
		}
	}
	return n
}

// SeriesNames returns every distinct series name, sorted.
func (r *Results) SeriesNames() []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, run := range r.Runs {
		for _, s := range run.Series {
			seen[s.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
