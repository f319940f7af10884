// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package autodetect calibrates the analysis tunables from the metadata
// that the parse phase found next to the raw measurement output.
package autodetect

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"github.com/AleutianAI/evaluate/services/evaluate/measure"
)

// Recognized metadata keys. Matching is exact and case-sensitive.
const (
	// KeyMeasureTime is the duration of the measurement run in seconds.
	// It overrides Tunables.PlotSeconds.
	KeyMeasureTime = "MEASURE_TIME"

	// KeyReportInterval is the sampling interval in seconds. It overrides
	// Tunables.BucketWidth.
	KeyReportInterval = "REPORT_INTERVAL"
)

// ValueError reports a recognized key whose value is not a usable number.
type ValueError struct {
	Key   string
	Value string
	Err   error
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("auto-detect: invalid %s value %q: %v", e.Key, e.Value, e.Err)
}

func (e *ValueError) Unwrap() error { return e.Err }

// Resolve applies the recognized metadata keys on top of base.
//
// Description:
//
//	MEASURE_TIME replaces PlotSeconds and REPORT_INTERVAL replaces
//	BucketWidth. A key that is absent leaves its tunable at the base value.
//	The two overrides are independent, so the result does not depend on the
//	order in which keys are checked. base is not modified.
//
// Inputs:
//
//	meta - Metadata from the parse or reload call. May be nil.
//	base - Tunables in effect before auto-detect.
//	logger - Logger for the detected values. Nil uses slog.Default().
//
// Outputs:
//
//	config.Tunables - The tunables to hand to the analyzer.
//	error - A *ValueError if a present value is not a positive finite
//	        number. The invocation must not continue.
//
// Thread Safety: Pure function; safe for concurrent use.
func Resolve(meta measure.Metadata, base config.Tunables, logger *slog.Logger) (config.Tunables, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := base

	if raw, ok := meta.Lookup(KeyMeasureTime); ok {
		v, err := parseSeconds(KeyMeasureTime, raw)
		if err != nil {
			return base, err
		}
		out.PlotSeconds = v
		logger.Debug("detected plot seconds", slog.Float64("plot_seconds", v))
	}

	if raw, ok := meta.Lookup(KeyReportInterval); ok {
		v, err := parseSeconds(KeyReportInterval, raw)
		if err != nil {
			return base, err
		}
		out.BucketWidth = v
		logger.Debug("detected bucket width", slog.Float64("bucket_width", v))
	}

	return out, nil
}

func parseSeconds(key, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, &ValueError{Key: key, Value: raw, Err: err}
	}
	candidate := config.Tunables{PlotSeconds: v, BucketWidth: v}
	if err := candidate.Validate(); err != nil {
		return 0, &ValueError{Key: key, Value: raw, Err: fmt.Errorf("must be a positive finite number of seconds")}
	}
	return v, nil
}
