// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for a
// single evaluate invocation.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ShutdownFunc flushes and releases telemetry resources.
type ShutdownFunc func(ctx context.Context) error

// Setup installs a global tracer provider for the invocation.
//
// Description:
//
//	Spans are exported to outputDir/TraceFile as JSON when TraceFile is set
//	and to an OTLP/gRPC collector when OTLPEndpoint is set. With neither,
//	the global no-op provider is left in place and the returned shutdown
//	function does nothing.
//
// Inputs:
//
//	ctx - Context for exporter construction.
//	cfg - Telemetry configuration.
//	outputDir - Directory the trace file is written to.
//	logger - Logger for diagnostic output. Must not be nil.
//
// Outputs:
//
//	ShutdownFunc - Must be called before the process exits. Never nil.
//	error - Non-nil if an exporter cannot be created.
func Setup(ctx context.Context, cfg config.TelemetryConfig, outputDir string, logger *slog.Logger) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }
	if logger == nil {
		return noop, fmt.Errorf("logger must not be nil")
	}
	if cfg.TraceFile == "" && cfg.OTLPEndpoint == "" {
		return noop, nil
	}

	var opts []sdktrace.TracerProviderOption
	var traceFile *os.File

	if cfg.TraceFile != "" {
		path := cfg.TraceFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(outputDir, path)
		}
		f, err := os.Create(path)
		if err != nil {
			return noop, fmt.Errorf("creating trace file: %w", err)
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			_ = f.Close()
			return noop, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		traceFile = f
		opts = append(opts, sdktrace.WithSyncer(exp))
		logger.Debug("trace file enabled", slog.String("path", path))
	}

	if cfg.OTLPEndpoint != "" {
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			if traceFile != nil {
				_ = traceFile.Close()
			}
			return noop, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		logger.Debug("otlp export enabled", slog.String("endpoint", cfg.OTLPEndpoint))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if traceFile != nil {
			err = errors.Join(err, traceFile.Close())
		}
		return err
	}, nil
}
