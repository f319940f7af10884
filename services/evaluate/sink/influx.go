// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink publishes analysis reports outside the output directory.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/AleutianAI/evaluate/services/evaluate/analyze"
	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"github.com/AleutianAI/evaluate/services/evaluate/telemetry"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const tracerName = "evaluate.sink"

// limiterFor returns a limiter allowing perSecond events, or an unlimited
// one when perSecond is 0.
func limiterFor(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// =============================================================================
// InfluxDB
// =============================================================================

// InfluxDB writes bucketed series to an InfluxDB v2 bucket.
//
// Description:
//
//	One point is written per bucket. The measurement is
//	"evaluate_<type>", tagged with run, series and unit. Fields are the
//	bucket statistics and percentiles. Sample times are offsets from the
//	start of each series, so the report's generation time stands in for
//	the run start: a point's timestamp is GeneratedAt plus the bucket's
//	start offset. Points are written in batches of BatchSize, at most
//	RatePerSecond batches per second.
//
// Thread Safety: Safe for concurrent use.
type InfluxDB struct {
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	batchSize int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewInfluxDB creates the sink. Close releases the client.
func NewInfluxDB(cfg config.InfluxDBConfig, logger *slog.Logger) (*InfluxDB, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("influxdb sink: url is not configured")
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = config.DefaultInfluxBatchSize
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxDB{
		client:    client,
		writeAPI:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		batchSize: batch,
		limiter:   limiterFor(cfg.RatePerSecond),
		logger:    logger,
	}, nil
}

// Name implements analyze.Sink.
func (s *InfluxDB) Name() string { return "influxdb" }

// Publish implements analyze.Sink.
func (s *InfluxDB) Publish(ctx context.Context, report *analyze.Report) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "sink.InfluxDB.Publish")
	defer span.End()

	points := reportPoints(report)
	written := 0
	for start := 0; start < len(points); start += s.batchSize {
		end := min(start+s.batchSize, len(points))
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		err := s.writeAPI.WritePoint(ctx, points[start:end]...)
		telemetry.RecordSinkWrite(s.Name(), err)
		if err != nil {
			return fmt.Errorf("write points %d-%d: %w", start, end, err)
		}
		written = end
	}

	span.SetAttributes(attribute.Int("points", written))
	s.logger.Info("report written to influxdb", slog.Int("points", written))
	return nil
}

// Close releases the underlying client.
func (s *InfluxDB) Close() {
	s.client.Close()
}

// reportPoints converts every bucket of the report to a point.
func reportPoints(report *analyze.Report) []*write.Point {
	measurement := "evaluate_" + report.Type.String()
	var points []*write.Point
	for _, sr := range report.Series {
		tags := map[string]string{
			"run":    sr.Run,
			"series": sr.Series,
		}
		if sr.Unit != "" {
			tags["unit"] = sr.Unit
		}
		for _, b := range sr.Buckets {
			fields := map[string]interface{}{
				"count":  b.Count,
				"mean":   b.Mean,
				"min":    b.Min,
				"max":    b.Max,
				"stddev": b.StdDev,
				"rate":   b.Rate,
			}
			for k, v := range b.Percentiles {
				fields[k] = v
			}
			ts := report.GeneratedAt.Add(time.Duration(math.Round(b.Start * float64(time.Second))))
			points = append(points, influxdb2.NewPoint(measurement, tags, fields, ts))
		}
	}
	return points
}
