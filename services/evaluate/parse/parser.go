// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parse reads raw measurement output into measure.Results and
// persists them, and reloads previously persisted results.
package parse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/evaluate/services/evaluate/analyze"
	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"github.com/AleutianAI/evaluate/services/evaluate/measure"
	"github.com/AleutianAI/evaluate/services/evaluate/storage"
	"github.com/AleutianAI/evaluate/services/evaluate/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tracerName = "evaluate.parse"

// ErrNoSamples is returned when the input directory holds no samples.
var ErrNoSamples = errors.New("no samples found")

// Parser reads raw measurement directories.
//
// Thread Safety: Safe for concurrent use; holds no mutable state.
type Parser struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New creates a Parser.
//
// Inputs:
//
//	cfg - Configuration. Must not be nil.
//	logger - Logger for diagnostic output. Must not be nil.
func New(cfg *config.Config, logger *slog.Logger) (*Parser, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Parser{cfg: cfg, logger: logger}, nil
}

// Parse reads the raw measurement output in inputDir and persists the
// results into outputDir.
//
// Description:
//
//	Reads the run descriptor (first of the configured metadata files) and
//	every sample file below inputDir. With multiProcess the files are
//	parsed concurrently. Runs are sorted by name so the result does not
//	depend on scheduling. The results are saved to the store in
//	outputDir/parsed before they are returned.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	inputDir - Raw measurement directory.
//	outputDir - Directory that receives the parsed results.
//	multiProcess - Parse files concurrently.
//
// Outputs:
//
//	measure.Type - Detected measurement type.
//	measure.Metadata - All descriptor entries.
//	*measure.Results - Parsed results. Never nil on success.
//	error - Non-nil on any read, parse or store failure.
func (p *Parser) Parse(ctx context.Context, inputDir, outputDir string, multiProcess bool) (measure.Type, measure.Metadata, *measure.Results, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "parse.Parser.Parse")
	defer span.End()

	meta, err := p.readRunMetadata(inputDir)
	if err != nil {
		return "", nil, nil, err
	}

	files, err := p.sampleFiles(inputDir)
	if err != nil {
		return "", nil, nil, err
	}
	if len(files) == 0 {
		return "", nil, nil, fmt.Errorf("%s: %w", inputDir, ErrNoSamples)
	}

	runs, err := p.parseFiles(ctx, inputDir, files, p.cfg.EffectiveWorkers(multiProcess))
	if err != nil {
		return "", nil, nil, err
	}
	results := &measure.Results{Runs: runs}
	if results.SampleCount() == 0 {
		return "", nil, nil, fmt.Errorf("%s: %w", inputDir, ErrNoSamples)
	}

	mt := detectType(meta, results)
	span.SetAttributes(
		attribute.String("type", mt.String()),
		attribute.Int("files", len(files)),
		attribute.Int("samples", results.SampleCount()),
		attribute.Bool("multi_process", multiProcess),
	)
	telemetry.RecordSamplesParsed(mt.String(), results.SampleCount())

	if err := p.persist(ctx, storage.Record{Type: mt, Metadata: meta, Results: results}, inputDir, outputDir); err != nil {
		return "", nil, nil, err
	}

	p.logger.Info("parsed measurement output",
		slog.String("input", inputDir),
		slog.String("type", mt.String()),
		slog.Int("runs", len(results.Runs)),
		slog.Int("series", results.SeriesCount()),
		slog.Int("samples", results.SampleCount()),
	)
	return mt, meta, results, nil
}

// Reload returns the parsed results last persisted into inputDir.
//
// Description:
//
//	Opens inputDir/parsed read-only; the directory must have been the
//	output directory of an earlier parse.
//
// Outputs:
//
//	error - Wraps storage.ErrNotFound when nothing was persisted there.
func (p *Parser) Reload(ctx context.Context, inputDir string) (measure.Type, measure.Metadata, *measure.Results, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "parse.Parser.Reload")
	defer span.End()

	store, err := storage.Open(inputDir, storage.Options{
		ReadOnly:         true,
		CompressionLevel: p.cfg.Storage.CompressionLevel,
	}, p.logger)
	if err != nil {
		return "", nil, nil, fmt.Errorf("reload from %s: %w", inputDir, err)
	}
	defer func() { _ = store.Close() }()

	rec, meta, err := store.LoadLatest(ctx)
	if err != nil {
		return "", nil, nil, fmt.Errorf("reload from %s: %w", inputDir, err)
	}

	span.SetAttributes(
		attribute.String("record_id", meta.RecordID),
		attribute.String("type", rec.Type.String()),
	)
	p.logger.Info("reloaded parsed results",
		slog.String("input", inputDir),
		slog.String("record_id", meta.RecordID),
		slog.String("type", rec.Type.String()),
		slog.Time("parsed_at", time.UnixMilli(meta.CreatedAtMilli)),
	)
	return rec.Type, rec.Metadata, rec.Results, nil
}

func (p *Parser) readRunMetadata(inputDir string) (measure.Metadata, error) {
	path, err := findMetadataFile(inputDir, p.cfg.Parse.MetadataFiles)
	if err != nil {
		return nil, err
	}
	if path == "" {
		p.logger.Warn("no run descriptor found, auto-detect has nothing to read",
			slog.String("input", inputDir),
			slog.Any("candidates", p.cfg.Parse.MetadataFiles),
		)
		return measure.Metadata{}, nil
	}
	meta, err := readMetadata(path)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("run descriptor read", slog.String("path", path), slog.Any("keys", meta.Keys()))
	return meta, nil
}

// sampleFiles lists sample files below inputDir in lexical order, skipping
// the store and analysis directories.
func (p *Parser) sampleFiles(inputDir string) ([]string, error) {
	exts := make(map[string]struct{}, len(p.cfg.Parse.SampleExtensions))
	for _, e := range p.cfg.Parse.SampleExtensions {
		exts[strings.ToLower(e)] = struct{}{}
	}

	var files []string
	err := filepath.WalkDir(inputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != inputDir && (d.Name() == storage.DirName || d.Name() == analyze.DirName) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, ok := exts[strings.ToLower(filepath.Ext(path))]; ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", inputDir, err)
	}
	return files, nil
}

func (p *Parser) parseFiles(ctx context.Context, root string, files []string, workers int) ([]measure.Run, error) {
	runs := make([]measure.Run, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			run, err := parseSampleFile(root, path, p.cfg.Parse.MaxLineBytes)
			if err != nil {
				return err
			}
			runs[i] = run
			p.logger.Debug("sample file parsed",
				slog.String("file", run.Source),
				slog.Int("series", len(run.Series)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Name != runs[j].Name {
			return runs[i].Name < runs[j].Name
		}
		return runs[i].Source < runs[j].Source
	})
	uniqueRunNames(runs)
	sort.Slice(runs, func(i, j int) bool { return runs[i].Name < runs[j].Name })
	return runs, nil
}

func (p *Parser) persist(ctx context.Context, rec storage.Record, inputDir, outputDir string) error {
	store, err := storage.Open(outputDir, storage.Options{CompressionLevel: p.cfg.Storage.CompressionLevel}, p.logger)
	if err != nil {
		return fmt.Errorf("persist parsed results: %w", err)
	}
	_, saveErr := store.Save(ctx, rec, inputDir)
	closeErr := store.Close()
	if err := errors.Join(saveErr, closeErr); err != nil {
		return fmt.Errorf("persist parsed results: %w", err)
	}
	return nil
}
