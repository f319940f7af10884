// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/AleutianAI/evaluate/services/evaluate/analyze"
	"github.com/AleutianAI/evaluate/services/evaluate/config"
	"github.com/AleutianAI/evaluate/services/evaluate/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

// RunIDLayout formats Report.GeneratedAt into the object prefix of one
// published report.
const RunIDLayout = "20060102T150405Z"

// uploadFunc stores the content of r as object.
type uploadFunc func(ctx context.Context, object, contentType string, r io.Reader) error

// GCS uploads every analysis artifact to a Cloud Storage bucket under
// <prefix>/<run id>/.
//
// Thread Safety: Safe for concurrent use.
type GCS struct {
	bucket  string
	prefix  string
	upload  uploadFunc
	closer  io.Closer
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGCS creates the publisher. Credentials come from CredentialsFile when
// set, otherwise from the environment's default credentials.
func NewGCS(ctx context.Context, cfg config.GCSConfig, logger *slog.Logger) (*GCS, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("gcs sink: bucket is not configured")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}

	bkt := client.Bucket(cfg.Bucket)
	upload := func(ctx context.Context, object, contentType string, r io.Reader) error {
		wc := bkt.Object(object).NewWriter(ctx)
		wc.ContentType = contentType
		if _, err := io.Copy(wc, r); err != nil {
			_ = wc.Close()
			return fmt.Errorf("write: %w", err)
		}
		return wc.Close()
	}
	return newGCS(cfg, upload, client, logger), nil
}

func newGCS(cfg config.GCSConfig, upload uploadFunc, closer io.Closer, logger *slog.Logger) *GCS {
	return &GCS{
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		upload:  upload,
		closer:  closer,
		limiter: limiterFor(cfg.RatePerSecond),
		logger:  logger,
	}
}

// Name implements analyze.Sink.
func (g *GCS) Name() string { return "gcs" }

// Publish implements analyze.Sink.
func (g *GCS) Publish(ctx context.Context, report *analyze.Report) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "sink.GCS.Publish")
	defer span.End()

	base := g.objectPrefix(report)
	files := report.Files()
	for _, rel := range files {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		object := path.Join(base, rel)
		err := g.uploadFile(ctx, filepath.Join(report.Dir, filepath.FromSlash(rel)), object)
		telemetry.RecordSinkWrite(g.Name(), err)
		if err != nil {
			return fmt.Errorf("upload gs://%s/%s: %w", g.bucket, object, err)
		}
		g.logger.Debug("uploaded artifact", slog.String("object", object))
	}

	span.SetAttributes(
		attribute.String("bucket", g.bucket),
		attribute.String("prefix", base),
		attribute.Int("objects", len(files)),
	)
	g.logger.Info("report published to cloud storage",
		slog.String("bucket", g.bucket),
		slog.String("prefix", base),
		slog.Int("objects", len(files)),
	)
	return nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer.Close()
}

func (g *GCS) objectPrefix(report *analyze.Report) string {
	id := report.GeneratedAt.UTC().Format(RunIDLayout)
	if g.prefix == "" {
		return id
	}
	return g.prefix + "/" + id
}

func (g *GCS) uploadFile(ctx context.Context, src, object string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return g.upload(ctx, object, contentType(src), f)
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".svg":
		return "image/svg+xml"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
