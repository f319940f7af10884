// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/evaluate/services/evaluate/analyze"
	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"github.com/AleutianAI/evaluate/services/evaluate/parse"
	"github.com/AleutianAI/evaluate/services/evaluate/phase"
	"github.com/AleutianAI/evaluate/services/evaluate/report"
	"github.com/AleutianAI/evaluate/services/evaluate/sink"
	"github.com/AleutianAI/evaluate/services/evaluate/telemetry"
)

// shutdownTimeout bounds flushing telemetry at exit.
const shutdownTimeout = 5 * time.Second

// newLogger builds the process logger from the --log-level and
// --log-format values.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
}

func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if path == "" {
		return config.Default(ctx)
	}
	return config.LoadFile(ctx, path)
}

// run executes one invocation after the command line was parsed.
func run(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	mode := phase.SelectMode(opts.modes)

	// Missing directories take precedence over every other option error.
	input, output, err := resolveDirs(opts, mode)
	if err != nil {
		return err
	}

	logger, err := newLogger(stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return &usageError{err: err}
	}
	slog.SetDefault(logger)

	if len(opts.modes) > 1 {
		logger.Warn("both --analyze and --parse given, the last one wins", slog.String("mode", mode.String()))
	}

	cfg, err := loadConfig(ctx, opts.configFile)
	if err != nil {
		return err
	}

	created, err := phase.PrepareOutputDir(output)
	if err != nil {
		return err
	}
	if created {
		logger.Info("created output directory", slog.String("path", output))
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, output, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	runErr := execute(ctx, cfg, phase.Invocation{
		Mode:         mode,
		InputDir:     input,
		OutputDir:    output,
		AutoDetect:   opts.autoDetect,
		MultiProcess: opts.multiProcess,
	}, stdout, stderr, logger)

	if cfg.Telemetry.MetricsFile != "" {
		path := cfg.Telemetry.MetricsFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(output, path)
		}
		if err := telemetry.WriteMetrics(path); err != nil {
			logger.Warn("metrics not written", slog.String("error", err.Error()))
		}
	}

	if runErr != nil {
		logger.Error("evaluate failed", slog.String("error", runErr.Error()))
	}
	return runErr
}

// execute wires the collaborators and runs the orchestrator.
func execute(ctx context.Context, cfg *config.Config, inv phase.Invocation, stdout, stderr io.Writer, logger *slog.Logger) error {
	parser, err := parse.New(cfg, logger)
	if err != nil {
		return err
	}

	progress := report.NewProgress(stderr)
	sinks := []analyze.Sink{progress, report.NewSummary(stdout)}

	if cfg.Sinks.InfluxDB.Enabled() {
		influx, err := sink.NewInfluxDB(cfg.Sinks.InfluxDB, logger)
		if err != nil {
			return err
		}
		defer influx.Close()
		sinks = append(sinks, influx)
	}
	if cfg.Sinks.GCS.Enabled() {
		gcs, err := sink.NewGCS(ctx, cfg.Sinks.GCS, logger)
		if err != nil {
			return err
		}
		defer func() { _ = gcs.Close() }()
		sinks = append(sinks, gcs)
	}

	analyzer, err := analyze.New(cfg, logger,
		analyze.WithSinks(sinks...),
		analyze.WithProgress(progress.Update),
	)
	if err != nil {
		return err
	}

	orch, err := phase.NewOrchestrator(parser, parser, analyzer, cfg.Analysis.Tunables, logger)
	if err != nil {
		return err
	}
	return orch.Run(ctx, inv)
}
