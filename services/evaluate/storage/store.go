// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists parsed results so a later invocation can analyze
// them without parsing the raw measurement output again.
package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/evaluate/services/evaluate/measure"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DirName is the directory inside an output directory that holds the store.
const DirName = "parsed"

// SchemaVersion is the version of the stored JSON payload.
const SchemaVersion = "1"

// BadgerDB key layout.
const (
	keyPrefixRecord = "results:rec:"
	keyLatest       = "results:latest"
	keySuffixData   = ":data"
	keySuffixMeta   = ":meta"
)

// ErrNotFound is returned when no parsed results exist at a location.
var ErrNotFound = errors.New("parsed results not found")

var tracer = otel.Tracer("evaluate.storage")

// Record is one complete output of the parse phase.
type Record struct {
	Type     measure.Type     `json:"type"`
	Metadata measure.Metadata `json:"metadata"`
	Results  *measure.Results `json:"results"`
}

// RecordMetadata describes a stored Record without its payload.
type RecordMetadata struct {
	// RecordID is a random UUID assigned when the record is saved.
	RecordID string `json:"record_id"`

	// Type is the measurement type of the stored results.
	Type measure.Type `json:"type"`

	// Metadata is the auto-detect metadata captured at parse time.
	Metadata measure.Metadata `json:"metadata"`

	// Source is the raw input directory the results were parsed from.
	Source string `json:"source,omitempty"`

	// CreatedAtMilli is when the record was saved (Unix milliseconds UTC).
	CreatedAtMilli int64 `json:"created_at_milli"`

	RunCount    int `json:"run_count"`
	SeriesCount int `json:"series_count"`
	SampleCount int `json:"sample_count"`

	SchemaVersion string `json:"schema_version"`

	// CompressedSize is the size of the gzip-compressed JSON payload in bytes.
	CompressedSize int64 `json:"compressed_size"`

	// ContentHash is the SHA256 hash of the compressed payload.
	ContentHash string `json:"content_hash"`
}

// Store saves and loads parsed results in BadgerDB.
//
// Description:
//
//	Each Save writes a new record and moves the "latest" pointer to it, so
//	repeated parses into the same output directory keep their history while
//	reloads always see the newest results.
//
// Thread Safety:
//
//	Safe for concurrent use. BadgerDB handles its own concurrency control.
type Store struct {
	db               *badger.DB
	logger           *slog.Logger
	compressionLevel int
	ownsDB           bool
}

// Options configures how a Store is opened.
type Options struct {
	// ReadOnly opens an existing store without taking a write lock.
	ReadOnly bool

	// CompressionLevel is the gzip level used by Save.
	CompressionLevel int
}

// Path returns the store location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, DirName)
}

// Open opens the store that lives in dir/parsed.
//
// Description:
//
//	In read-only mode the store must already exist; a missing directory
//	yields an error wrapping ErrNotFound. Otherwise the directory is
//	created if needed.
//
// Inputs:
//
//	dir - The output (or, for reload, input) directory.
//	opts - Open options.
//	logger - Logger for diagnostic output. Must not be nil.
//
// Outputs:
//
//	*Store - The opened store. Close must be called when done.
//	error - Non-nil if the store cannot be opened.
func Open(dir string, opts Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	path := Path(dir)
	if opts.ReadOnly {
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("opening %s: %w", path, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("opening %s: not a directory", path)
		}
	}

	bopts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", path, err)
	}
	s, err := NewStore(db, opts.CompressionLevel, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewStore wraps an already opened BadgerDB instance.
//
// Inputs:
//
//	db - An opened BadgerDB instance. Must not be nil. The caller keeps
//	     ownership and closes it.
//	compressionLevel - gzip level for Save (-2..9).
//	logger - Logger for diagnostic output. Must not be nil.
func NewStore(db *badger.DB, compressionLevel int, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if compressionLevel < gzip.HuffmanOnly || compressionLevel > gzip.BestCompression {
		return nil, fmt.Errorf("invalid compression level %d", compressionLevel)
	}
	return &Store{db: db, logger: logger, compressionLevel: compressionLevel}, nil
}

// Close closes the underlying database if the store opened it.
func (s *Store) Close() error {
	if s == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Save persists a parse record.
//
// Description:
//
//	Serializes the results to JSON, gzip-compresses them and stores them
//	with their metadata in one transaction. Updates the latest pointer.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//	rec - The record to save. Results must not be nil.
//	source - The raw input directory, kept for reference.
//
// Outputs:
//
//	*RecordMetadata - Metadata of the saved record.
//	error - Non-nil if serialization or storage fails.
//
// Key Schema:
//
//	results:rec:{recordID}:data → gzip(JSON(Record))
//	results:rec:{recordID}:meta → JSON(RecordMetadata)
//	results:latest              → recordID
func (s *Store) Save(ctx context.Context, rec Record, source string) (*RecordMetadata, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if rec.Results == nil {
		return nil, fmt.Errorf("results must not be nil")
	}
	_, span := tracer.Start(ctx, "storage.Store.Save")
	defer span.End()

	jsonData, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling results: %w", err)
	}

	var compressed bytes.Buffer
	gw, err := gzip.NewWriterLevel(&compressed, s.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(jsonData); err != nil {
		return nil, fmt.Errorf("compressing results: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	compressedData := compressed.Bytes()

	meta := &RecordMetadata{
		RecordID:       uuid.NewString(),
		Type:           rec.Type,
		Metadata:       rec.Metadata,
		Source:         source,
		CreatedAtMilli: time.Now().UnixMilli(),
		RunCount:       len(rec.Results.Runs),
		SeriesCount:    rec.Results.SeriesCount(),
		SampleCount:    rec.Results.SampleCount(),
		SchemaVersion:  SchemaVersion,
		CompressedSize: int64(len(compressedData)),
		ContentHash:    hashBytes(compressedData),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(meta.RecordID), compressedData); err != nil {
			return fmt.Errorf("storing data: %w", err)
		}
		if err := txn.Set(metaKey(meta.RecordID), metaJSON); err != nil {
			return fmt.Errorf("storing metadata: %w", err)
		}
		if err := txn.Set([]byte(keyLatest), []byte(meta.RecordID)); err != nil {
			return fmt.Errorf("updating latest pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("writing results to badger: %w", err)
	}

	span.SetAttributes(
		attribute.String("record_id", meta.RecordID),
		attribute.Int("series_count", meta.SeriesCount),
		attribute.Int64("compressed_size", meta.CompressedSize),
	)
	s.logger.Info("parsed results saved",
		slog.String("record_id", meta.RecordID),
		slog.String("type", meta.Type.String()),
		slog.Int("runs", meta.RunCount),
		slog.Int("samples", meta.SampleCount),
		slog.Int64("compressed_size", meta.CompressedSize),
	)
	return meta, nil
}

// LoadLatest loads the most recently saved record.
//
// Outputs:
//
//	*Record - The stored record.
//	*RecordMetadata - Its metadata.
//	error - Wraps ErrNotFound if nothing was saved yet.
func (s *Store) LoadLatest(ctx context.Context) (*Record, *RecordMetadata, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("ctx must not be nil")
	}
	var recordID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLatest))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			recordID = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("reading latest pointer: %w", notFound(err))
	}
	return s.Load(ctx, recordID)
}

// Load retrieves a record by its ID.
//
// Description:
//
//	Verifies the content hash and schema version before decompressing.
func (s *Store) Load(ctx context.Context, recordID string) (*Record, *RecordMetadata, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("ctx must not be nil")
	}
	if recordID == "" {
		return nil, nil, fmt.Errorf("record ID must not be empty")
	}
	_, span := tracer.Start(ctx, "storage.Store.Load")
	defer span.End()
	span.SetAttributes(attribute.String("record_id", recordID))

	var compressedData, metaJSON []byte
	err := s.db.View(func(txn *badger.Txn) error {
		dataItem, err := txn.Get(dataKey(recordID))
		if err != nil {
			return fmt.Errorf("reading data for %s: %w", recordID, notFound(err))
		}
		compressedData, err = dataItem.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copying data for %s: %w", recordID, err)
		}
		metaItem, err := txn.Get(metaKey(recordID))
		if err != nil {
			return fmt.Errorf("reading metadata for %s: %w", recordID, notFound(err))
		}
		metaJSON, err = metaItem.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copying metadata for %s: %w", recordID, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var meta RecordMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling metadata for %s: %w", recordID, err)
	}
	if meta.SchemaVersion != SchemaVersion {
		return nil, nil, fmt.Errorf("record %s has schema version %q, expected %q", recordID, meta.SchemaVersion, SchemaVersion)
	}
	if actual := hashBytes(compressedData); meta.ContentHash != "" && meta.ContentHash != actual {
		return nil, nil, fmt.Errorf("integrity check failed for %s: expected hash %s, got %s", recordID, meta.ContentHash, actual)
	}

	gr, err := gzip.NewReader(bytes.NewReader(compressedData))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing record %s: %w", recordID, err)
	}
	defer gr.Close()

	jsonData, err := io.ReadAll(gr)
	if err != nil {
		return nil, nil, fmt.Errorf("reading decompressed data for %s: %w", recordID, err)
	}

	var rec Record
	if err := json.Unmarshal(jsonData, &rec); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling results for %s: %w", recordID, err)
	}
	if rec.Results == nil {
		rec.Results = &measure.Results{}
	}
	return &rec, &meta, nil
}

// List returns metadata for stored records, newest first.
//
// Inputs:
//
//	ctx - Context. Must not be nil.
//	limit - Maximum number of results. If <= 0, defaults to 100.
func (s *Store) List(ctx context.Context, limit int) ([]*RecordMetadata, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if limit <= 0 {
		limit = 100
	}

	var results []*RecordMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixRecord)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if !strings.HasSuffix(key, keySuffixMeta) {
				continue
			}
			var meta RecordMetadata
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				s.logger.Warn("skipping corrupt metadata", slog.String("key", key), slog.Any("error", err))
				continue
			}
			results = append(results, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAtMilli > results[j].CreatedAtMilli
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes a record. If it was the latest, the latest pointer is
// removed as well.
func (s *Store) Delete(ctx context.Context, recordID string) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if recordID == "" {
		return fmt.Errorf("record ID must not be empty")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey(recordID)); err != nil {
			return notFound(err)
		}
		if err := txn.Delete(dataKey(recordID)); err != nil {
			return fmt.Errorf("deleting data: %w", err)
		}
		if err := txn.Delete(metaKey(recordID)); err != nil {
			return fmt.Errorf("deleting metadata: %w", err)
		}
		item, err := txn.Get([]byte(keyLatest))
		if err == nil {
			var current string
			_ = item.Value(func(val []byte) error {
				current = string(val)
				return nil
			})
			if current == recordID {
				if err := txn.Delete([]byte(keyLatest)); err != nil {
					return fmt.Errorf("deleting latest pointer: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", recordID, err)
	}

	s.logger.Info("parsed results deleted", slog.String("record_id", recordID))
	return nil
}

func dataKey(recordID string) []byte {
	return []byte(keyPrefixRecord + recordID + keySuffixData)
}

func metaKey(recordID string) []byte {
	return []byte(keyPrefixRecord + recordID + keySuffixMeta)
}

// notFound maps badger's missing-key error onto ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// hashBytes returns the hex-encoded SHA256 hash of a byte slice.
func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
