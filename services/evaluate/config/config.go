// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Configuration
// =============================================================================

//go:embed evaluate.yaml
var defaultConfigYAML []byte

var tracer = otel.Tracer("evaluate.config")

// MaxYAMLFileSize bounds the size of a configuration file.
const MaxYAMLFileSize = 1 << 20

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultPlotSeconds is the time span covered by graphs.
	DefaultPlotSeconds = 60.0

	// DefaultBucketWidth is the width of one time bucket in seconds.
	DefaultBucketWidth = 1.0

	// DefaultGraphFormat is the file format of rendered graphs.
	DefaultGraphFormat = "png"

	// DefaultGraphWidthInches is the rendered graph width.
	DefaultGraphWidthInches = 8.0

	// DefaultGraphHeightInches is the rendered graph height.
	DefaultGraphHeightInches = 4.0

	// DefaultMaxLineBytes bounds a single line in a raw sample file.
	DefaultMaxLineBytes = 1 << 20

	// DefaultCompressionLevel is the gzip level for stored results.
	DefaultCompressionLevel = 9

	// DefaultMetricsFile is written into the output directory after a run.
	DefaultMetricsFile = "metrics.prom"

	// DefaultInfluxBatchSize is the number of points per InfluxDB write.
	DefaultInfluxBatchSize = 500

	// DefaultSinkRate is the default write rate for sinks, per second.
	DefaultSinkRate = 10.0
)

// DefaultPercentiles are reported for every series and bucket.
var DefaultPercentiles = []float64{50, 90, 99}

// =============================================================================
// Configuration Types
// =============================================================================

// Tunables are the two numeric analysis parameters that control how the
// analyzer buckets and plots samples over time.
//
// Thread Safety: Value type; copies are independent.
type Tunables struct {
	// PlotSeconds is the time span in seconds covered by graphs. Samples at
	// or after this offset from the start of a run are not plotted.
	PlotSeconds float64 `yaml:"plot_seconds" json:"plot_seconds" validate:"gt=0"`

	// BucketWidth is the width in seconds of one time bucket.
	BucketWidth float64 `yaml:"bucket_width" json:"bucket_width" validate:"gt=0"`
}

// Validate reports whether both tunables are positive finite numbers.
func (t Tunables) Validate() error {
	if !positiveFinite(t.PlotSeconds) {
		return fmt.Errorf("plot_seconds must be a positive finite number, got %v", t.PlotSeconds)
	}
	if !positiveFinite(t.BucketWidth) {
		return fmt.Errorf("bucket_width must be a positive finite number, got %v", t.BucketWidth)
	}
	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Config is the full evaluate configuration.
type Config struct {
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Workers   int             `yaml:"workers" validate:"gte=0"`
	Parse     ParseConfig     `yaml:"parse"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Sinks     SinksConfig     `yaml:"sinks"`
}

// AnalysisConfig configures the analyzer.
type AnalysisConfig struct {
	// Tunables are the defaults used unless auto-detect overrides them.
	Tunables `yaml:",inline"`

	// Percentiles lists the percentiles (0-100, exclusive) to report.
	Percentiles []float64 `yaml:"percentiles" validate:"dive,gt=0,lt=100"`

	// GraphFormat is "png" or "svg".
	GraphFormat string `yaml:"graph_format" validate:"oneof=png svg"`

	GraphWidthInches  float64 `yaml:"graph_width_inches" validate:"gt=0"`
	GraphHeightInches float64 `yaml:"graph_height_inches" validate:"gt=0"`
}

// ParseConfig configures the raw parser.
type ParseConfig struct {
	// MetadataFiles are candidate names of the run descriptor file, tried
	// in order.
	MetadataFiles []string `yaml:"metadata_files" validate:"min=1,dive,required"`

	// SampleExtensions are the file extensions treated as sample files.
	SampleExtensions []string `yaml:"sample_extensions" validate:"min=1,dive,required"`

	MaxLineBytes int `yaml:"max_line_bytes" validate:"gt=0"`
}

// StorageConfig configures the parsed-results store.
type StorageConfig struct {
	CompressionLevel int `yaml:"compression_level" validate:"gte=-2,lte=9"`
}

// TelemetryConfig configures tracing and metrics output.
type TelemetryConfig struct {
	// MetricsFile is written into the output directory in Prometheus text
	// format. Empty disables it.
	MetricsFile string `yaml:"metrics_file"`

	// TraceFile receives spans as JSON, relative to the output directory.
	// Empty disables it.
	TraceFile string `yaml:"trace_file"`

	// OTLPEndpoint is a host:port of an OTLP/gRPC collector. Empty disables
	// export.
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"omitempty,hostname_port"`

	OTLPInsecure bool `yaml:"otlp_insecure"`
}

// SinksConfig configures optional destinations for analysis output.
type SinksConfig struct {
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	GCS      GCSConfig      `yaml:"gcs"`
}

// InfluxDBConfig configures the InfluxDB v2 sink. Disabled when URL is empty.
type InfluxDBConfig struct {
	URL           string  `yaml:"url" validate:"omitempty,url"`
	Token         string  `yaml:"token"`
	Org           string  `yaml:"org" validate:"required_with=URL"`
	Bucket        string  `yaml:"bucket" validate:"required_with=URL"`
	BatchSize     int     `yaml:"batch_size" validate:"gte=0"`
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
}

// Enabled reports whether the sink is configured.
func (c InfluxDBConfig) Enabled() bool { return c.URL != "" }

// GCSConfig configures the Cloud Storage artifact publisher. Disabled when
// Bucket is empty.
type GCSConfig struct {
	Bucket          string  `yaml:"bucket"`
	Prefix          string  `yaml:"prefix"`
	CredentialsFile string  `yaml:"credentials_file"`
	RatePerSecond   float64 `yaml:"rate_per_second" validate:"gte=0"`
}

// Enabled reports whether the publisher is configured.
func (c GCSConfig) Enabled() bool { return c.Bucket != "" }

// EffectiveWorkers returns the worker count collaborators should use.
//
// Description:
//
//	Without multi-process every collaborator runs on a single worker. With
//	it, Workers is used, falling back to one per CPU when Workers is 0.
func (c *Config) EffectiveWorkers(multiProcess bool) int {
	if !multiProcess {
		return 1
	}
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// =============================================================================
// Loading
// =============================================================================

var (
	defaultConfigOnce sync.Once
	defaultConfig     *Config
	defaultConfigErr  error

	validate = validator.New()
)

// Default returns the configuration embedded in the binary.
//
// Description:
//
//	Parses the embedded evaluate.yaml on first call and caches it. Callers
//	receive a copy and may modify it freely.
//
// Thread Safety: Safe for concurrent use via sync.Once.
func Default(ctx context.Context) (*Config, error) {
	defaultConfigOnce.Do(func() {
		defaultConfig, defaultConfigErr = Load(ctx, defaultConfigYAML)
	})
	if defaultConfigErr != nil {
		return nil, defaultConfigErr
	}
	return defaultConfig.clone(), nil
}

// LoadFile reads a YAML configuration file.
//
// Description:
//
//	The file is applied on top of the embedded configuration, so keys
//	absent from the file keep their embedded values.
//
// Inputs:
//
//	ctx - Context for tracing.
//	path - Path of the YAML file.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Non-nil if the file cannot be read, parsed or validated.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadFile: %s exceeds maximum size (%d > %d)", path, info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	base, err := Default(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	cfg, err := decode(ctx, base, data)
	if err != nil {
		return nil, fmt.Errorf("LoadFile %s: %w", path, err)
	}
	return cfg, nil
}

// Load parses and validates a Config from YAML bytes.
//
// Description:
//
//	Starts from the built-in defaults, applies the YAML on top, fills any
//	zeroed numeric fields back in and validates the result.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes. Empty data yields the defaults.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Non-nil if parsing or validation fails.
func Load(ctx context.Context, data []byte) (*Config, error) {
	return decode(ctx, builtin(), data)
}

// decode applies data on top of cfg, which it takes ownership of.
func decode(ctx context.Context, cfg *Config, data []byte) (*Config, error) {
	_, span := tracer.Start(ctx, "config.Load")
	defer span.End()

	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("Load: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("Load: parsing YAML: %w", err)
	}
	applyDefaults(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("Load: validation: %w", err)
	}
	if err := cfg.Analysis.Tunables.Validate(); err != nil {
		return nil, fmt.Errorf("Load: validation: %w", err)
	}

	span.SetAttributes(
		attribute.Float64("plot_seconds", cfg.Analysis.PlotSeconds),
		attribute.Float64("bucket_width", cfg.Analysis.BucketWidth),
		attribute.Int("workers", cfg.Workers),
		attribute.Bool("influxdb", cfg.Sinks.InfluxDB.Enabled()),
		attribute.Bool("gcs", cfg.Sinks.GCS.Enabled()),
	)

	slog.Debug("config loaded",
		slog.Float64("plot_seconds", cfg.Analysis.PlotSeconds),
		slog.Float64("bucket_width", cfg.Analysis.BucketWidth),
		slog.Int("workers", cfg.Workers),
	)

	return cfg, nil
}

func builtin() *Config {
	return &Config{
		Analysis: AnalysisConfig{
			Tunables: Tunables{
				PlotSeconds: DefaultPlotSeconds,
				BucketWidth: DefaultBucketWidth,
			},
			Percentiles:       append([]float64(nil), DefaultPercentiles...),
			GraphFormat:       DefaultGraphFormat,
			GraphWidthInches:  DefaultGraphWidthInches,
			GraphHeightInches: DefaultGraphHeightInches,
		},
		Parse: ParseConfig{
			MetadataFiles:    []string{"measure.env", "config", "metadata"},
			SampleExtensions: []string{".csv", ".dat"},
			MaxLineBytes:     DefaultMaxLineBytes,
		},
		Storage: StorageConfig{CompressionLevel: DefaultCompressionLevel},
		Telemetry: TelemetryConfig{
			MetricsFile:  DefaultMetricsFile,
			OTLPInsecure: true,
		},
		Sinks: SinksConfig{
			InfluxDB: InfluxDBConfig{
				BatchSize:     DefaultInfluxBatchSize,
				RatePerSecond: DefaultSinkRate,
			},
			GCS: GCSConfig{
				Prefix:        "evaluate",
				RatePerSecond: DefaultSinkRate,
			},
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Analysis.GraphFormat == "" {
		cfg.Analysis.GraphFormat = DefaultGraphFormat
	}
	if cfg.Analysis.GraphWidthInches <= 0 {
		cfg.Analysis.GraphWidthInches = DefaultGraphWidthInches
	}
	if cfg.Analysis.GraphHeightInches <= 0 {
		cfg.Analysis.GraphHeightInches = DefaultGraphHeightInches
	}
	if cfg.Parse.MaxLineBytes <= 0 {
		cfg.Parse.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.Sinks.InfluxDB.BatchSize <= 0 {
		cfg.Sinks.InfluxDB.BatchSize = DefaultInfluxBatchSize
	}
}

func (c *Config) clone() *Config {
	out := *c
	out.Analysis.Percentiles = append([]float64(nil), c.Analysis.Percentiles...)
	out.Parse.MetadataFiles = append([]string(nil), c.Parse.MetadataFiles...)
	out.Parse.SampleExtensions = append([]string(nil), c.Parse.SampleExtensions...)
	return &out
}
