// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phase sequences the parse and analysis phases of one evaluate
// invocation.
package phase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/evaluate/services/evaluate/autodetect"
	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"github.com/AleutianAI/evaluate/services/evaluate/measure"
	"github.com/AleutianAI/evaluate/services/evaluate/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "evaluate.phase"

// =============================================================================
// Collaborators
// =============================================================================

// Parser turns raw measurement output into parsed results and persists
// them into outputDir.
type Parser interface {
	Parse(ctx context.Context, inputDir, outputDir string, multiProcess bool) (measure.Type, measure.Metadata, *measure.Results, error)
}

// Reloader returns results persisted by an earlier parse into inputDir.
type Reloader interface {
	Reload(ctx context.Context, inputDir string) (measure.Type, measure.Metadata, *measure.Results, error)
}

// Analyzer produces analysis output from parsed results.
type Analyzer interface {
	Analyze(ctx context.Context, results *measure.Results, mt measure.Type, outputDir string, multiProcess bool, tunables config.Tunables) error
}

// =============================================================================
// Orchestrator
// =============================================================================

// Invocation is everything one run of the orchestrator needs.
type Invocation struct {
	Mode         Mode
	InputDir     string
	OutputDir    string
	AutoDetect   bool
	MultiProcess bool
}

// parseState tracks whether results are already in hand.
type parseState int

const (
	parsePending parseState = iota
	parseDone
)

// Orchestrator runs the phases selected by an Invocation.
//
// Thread Safety: Run keeps all per-invocation state on the stack, so one
// Orchestrator may serve concurrent calls if its collaborators allow it.
type Orchestrator struct {
	parser   Parser
	reloader Reloader
	analyzer Analyzer
	base     config.Tunables
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
//
// Inputs:
//
//	parser, reloader, analyzer - Collaborators. Must not be nil.
//	base - Tunables used when auto-detect is off or finds nothing.
//	logger - Logger for phase progress. Must not be nil.
func NewOrchestrator(parser Parser, reloader Reloader, analyzer Analyzer, base config.Tunables, logger *slog.Logger) (*Orchestrator, error) {
	if parser == nil {
		return nil, fmt.Errorf("parser must not be nil")
	}
	if reloader == nil {
		return nil, fmt.Errorf("reloader must not be nil")
	}
	if analyzer == nil {
		return nil, fmt.Errorf("analyzer must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("base tunables: %w", err)
	}
	return &Orchestrator{
		parser:   parser,
		reloader: reloader,
		analyzer: analyzer,
		base:     base,
		logger:   logger,
	}, nil
}

// Run executes the phases for inv.
//
// Description:
//
//	When the mode parses, the parser runs first and its results are kept
//	for the analysis phase. When the mode analyzes and nothing was parsed
//	in this call, results are reloaded from inv.InputDir. With auto-detect
//	the tunables come from the metadata returned by parse or reload;
//	otherwise the base tunables are used.
//
// Outputs:
//
//	error - The first error from a collaborator or from auto-detect,
//	        returned as is. Later phases do not run after an error and
//	        whatever an earlier phase wrote stays on disk.
func (o *Orchestrator) Run(ctx context.Context, inv Invocation) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "phase.Orchestrator.Run",
		trace.WithAttributes(
			attribute.String("mode", inv.Mode.String()),
			attribute.String("input", inv.InputDir),
			attribute.String("output", inv.OutputDir),
			attribute.Bool("auto_detect", inv.AutoDetect),
			attribute.Bool("multi_process", inv.MultiProcess),
		))
	defer span.End()

	var (
		state   = parsePending
		mt      measure.Type
		meta    measure.Metadata
		results *measure.Results
	)

	if inv.Mode.ShouldParse() {
		o.logger.Info("Starting parsing", slog.String("input", inv.InputDir), slog.String("output", inv.OutputDir))
		err := o.runPhase(ctx, "parse", func(ctx context.Context) error {
			var err error
			mt, meta, results, err = o.parser.Parse(ctx, inv.InputDir, inv.OutputDir, inv.MultiProcess)
			return err
		})
		if err != nil {
			return o.fail(span, err)
		}
		state = parseDone
		o.logger.Info("Parsing done", slog.String("type", mt.String()))
	}

	if !inv.Mode.ShouldAnalyze() {
		return nil
	}

	if state == parsePending {
		err := o.runPhase(ctx, "reload", func(ctx context.Context) error {
			var err error
			mt, meta, results, err = o.reloader.Reload(ctx, inv.InputDir)
			return err
		})
		if err != nil {
			return o.fail(span, err)
		}
	}

	tunables := o.base
	if inv.AutoDetect {
		detected, err := autodetect.Resolve(meta, o.base, o.logger)
		if err != nil {
			return o.fail(span, err)
		}
		tunables = detected
	}
	span.SetAttributes(
		attribute.Float64("plot_seconds", tunables.PlotSeconds),
		attribute.Float64("bucket_width", tunables.BucketWidth),
	)

	o.logger.Info("Starting analysis",
		slog.String("type", mt.String()),
		slog.Float64("plot_seconds", tunables.PlotSeconds),
		slog.Float64("bucket_width", tunables.BucketWidth),
	)
	err := o.runPhase(ctx, "analyze", func(ctx context.Context) error {
		return o.analyzer.Analyze(ctx, results, mt, inv.OutputDir, inv.MultiProcess, tunables)
	})
	if err != nil {
		return o.fail(span, err)
	}
	o.logger.Info("Analysis done", slog.String("output", inv.OutputDir))
	return nil
}

// runPhase wraps one collaborator call in a span and records its duration.
func (o *Orchestrator) runPhase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "phase."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	telemetry.RecordPhase(name, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
