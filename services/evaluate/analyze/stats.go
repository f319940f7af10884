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
	"math"
	"sort"
	"strconv"

	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"github.com/AleutianAI/evaluate/services/evaluate/measure"
)

// Stats summarizes a set of sample values.
type Stats struct {
	Count       int                `json:"count"`
	Sum         float64            `json:"sum"`
	Mean        float64            `json:"mean"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	StdDev      float64            `json:"stddev"`
	Percentiles map[string]float64 `json:"percentiles,omitempty"`
}

// Percentile returns the value stored for p, e.g. 99 for "p99".
func (s Stats) Percentile(p float64) (float64, bool) {
	v, ok := s.Percentiles[PercentileKey(p)]
	return v, ok
}

// PercentileKey names percentile p, e.g. "p50" or "p99.9".
func PercentileKey(p float64) string {
	return "p" + strconv.FormatFloat(p, 'f', -1, 64)
}

// computeStats summarizes values. values is sorted in place.
func computeStats(values []float64, percentiles []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	n := float64(len(values))
	mean := sum / n

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}

	s := Stats{
		Count:  len(values),
		Sum:    sum,
		Mean:   mean,
		Min:    values[0],
		Max:    values[len(values)-1],
		StdDev: math.Sqrt(sq / n),
	}
	if len(percentiles) > 0 {
		s.Percentiles = make(map[string]float64, len(percentiles))
		for _, p := range percentiles {
			s.Percentiles[PercentileKey(p)] = nearestRank(values, p)
		}
	}
	return s
}

// nearestRank returns the p-th percentile of sorted using the nearest-rank
// method: the smallest value such that at least p percent of the values
// are less than or equal to it.
func nearestRank(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted)) / 100))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// =============================================================================
// Bucketing
// =============================================================================

// Bucket is one time slice of a series.
type Bucket struct {
	// Index is floor(offset / bucket width).
	Index int `json:"index"`

	// Start is the bucket's start offset in seconds from the first sample.
	Start float64 `json:"start"`

	Stats

	// Rate is Sum divided by the bucket width.
	Rate float64 `json:"rate"`
}

// bucketize groups samples into buckets of t.BucketWidth seconds.
//
// Description:
//
//	Offsets are taken relative to the earliest sample time. Samples at or
//	beyond t.PlotSeconds are dropped. Only non-empty buckets are returned,
//	ordered by index.
//
// Outputs:
//
//	[]Bucket - Non-empty buckets.
//	[]float64 - Values of every kept sample, for the series summary.
//	int - Number of dropped samples.
func bucketize(samples []measure.Sample, t config.Tunables, percentiles []float64) ([]Bucket, []float64, int) {
	if len(samples) == 0 {
		return nil, nil, 0
	}
	start := samples[0].Time
	for _, s := range samples[1:] {
		if s.Time < start {
			start = s.Time
		}
	}

	groups := make(map[int][]float64)
	kept := make([]float64, 0, len(samples))
	dropped := 0
	for _, s := range samples {
		offset := s.Time - start
		if offset >= t.PlotSeconds {
			dropped++
			continue
		}
		idx := int(math.Floor(offset / t.BucketWidth))
		groups[idx] = append(groups[idx], s.Value)
		kept = append(kept, s.Value)
	}

	indexes := make([]int, 0, len(groups))
	for idx := range groups {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	buckets := make([]Bucket, 0, len(indexes))
	for _, idx := range indexes {
		stats := computeStats(groups[idx], percentiles)
		buckets = append(buckets, Bucket{
			Index: idx,
			Start: float64(idx) * t.BucketWidth,
			Stats: stats,
			Rate:  stats.Sum / t.BucketWidth,
		})
	}
	return buckets, kept, dropped
}

// =============================================================================
// Plotted Values
// =============================================================================

// line is one plotted curve of a series.
type line struct {
	name  string
	value func(Bucket) float64
}

// linesFor returns the curves plotted for a measurement type.
//
// Description:
//
//	Latency plots each configured percentile, throughput plots the
//	per-second rate and every other type plots the bucket mean.
func linesFor(mt measure.Type, percentiles []float64) []line {
	switch mt {
	case measure.TypeLatency:
		if len(percentiles) == 0 {
			break
		}
		lines := make([]line, 0, len(percentiles))
		for _, p := range percentiles {
			key := PercentileKey(p)
			lines = append(lines, line{
				name:  key,
				value: func(b Bucket) float64 { return b.Percentiles[key] },
			})
		}
		return lines
	case measure.TypeThroughput:
		return []line{{name: "rate", value: func(b Bucket) float64 { return b.Rate }}}
	}
	return []line{{name: "mean", value: func(b Bucket) float64 { return b.Mean }}}
}
