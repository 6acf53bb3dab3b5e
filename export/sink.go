// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package export writes fetched record batches to files: JSON Lines
// (optionally zstd-compressed) or Parquet, on local disk or in S3.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink consumes record batches. Close flushes and finalizes the output;
// the sink must not be used afterwards.
type Sink interface {
	Write(rec arrow.RecordBatch) error
	Close() error
}

// Format is an output encoding.
type Format int

const (
	FormatJSONL Format = iota
	FormatJSONLZstd
	FormatParquet
)

func (f Format) String() string {
	switch f {
	case FormatJSONL:
		return "jsonl"
	case FormatJSONLZstd:
		return "jsonl.zst"
	case FormatParquet:
		return "parquet"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// FormatFor picks the format from a file name's extension.
func FormatFor(name string) (Format, error) {
	switch {
	case strings.HasSuffix(name, ".jsonl.zst"), strings.HasSuffix(name, ".ndjson.zst"):
		return FormatJSONLZstd, nil
	case strings.HasSuffix(name, ".jsonl"), strings.HasSuffix(name, ".ndjson"):
		return FormatJSONL, nil
	case strings.HasSuffix(name, ".parquet"):
		return FormatParquet, nil
	default:
		return 0, fmt.Errorf("export: cannot infer format of %q (want .jsonl, .jsonl.zst or .parquet)", name)
	}
}

// Option configures Create.
type Option func(*options)

type options struct {
	s3     S3API
	mem    memory.Allocator
	logger *slog.Logger
}

// WithS3Client sets the client used for s3:// destinations. Without one,
// Create loads the default AWS configuration.
func WithS3Client(c S3API) Option {
	return func(o *options) { o.s3 = c }
}

func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) { o.mem = mem }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Destination is a parsed output location.
type Destination struct {
	// Bucket is set for s3:// destinations.
	Bucket string
	// Path is the object key for S3, otherwise a local file path.
	Path string
}

func (d Destination) IsS3() bool { return d.Bucket != "" }

func (d Destination) String() string {
	if d.IsS3() {
		return "s3://" + d.Bucket + "/" + d.Path
	}
	return d.Path
}

// ParseDestination accepts s3://bucket/key, file:///path or a plain path.
func ParseDestination(uri string) (Destination, error) {
	if !strings.Contains(uri, "://") {
		if uri == "" {
			return Destination{}, errors.New("export: empty destination")
		}
		return Destination{Path: uri}, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return Destination{}, fmt.Errorf("export: parse destination: %w", err)
	}
	switch u.Scheme {
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Destination{}, fmt.Errorf("export: %q needs a bucket and a key", uri)
		}
		return Destination{Bucket: u.Host, Path: key}, nil
	case "file":
		return Destination{Path: u.Path}, nil
	default:
		return Destination{}, fmt.Errorf("export: unsupported destination scheme %q", u.Scheme)
	}
}

// Create opens a sink writing batches of schema to uri. The format follows
// the extension; s3:// objects are spooled to a temporary file and uploaded
// when the sink is closed.
func Create(ctx context.Context, uri string, schema *arrow.Schema, opts ...Option) (Sink, error) {
	o := options{mem: memory.DefaultAllocator, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	dest, err := ParseDestination(uri)
	if err != nil {
		return nil, err
	}
	format, err := FormatFor(dest.Path)
	if err != nil {
		return nil, err
	}

	var out io.WriteCloser
	if dest.IsS3() {
		client := o.s3
		if client == nil {
			cfg, err := config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("export: load AWS config: %w", err)
			}
			client = s3.NewFromConfig(cfg)
		}
		out, err = newS3Object(ctx, client, dest, o.logger)
	} else {
		out, err = os.Create(dest.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", dest, err)
	}

	var inner Sink
	switch format {
	case FormatParquet:
		inner, err = NewParquetSink(out, schema, o.mem)
	default:
		inner, err = NewJSONLSink(out, format == FormatJSONLZstd)
	}
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	o.logger.Debug("export: sink opened", "destination", dest.String(), "format", format.String())
	return &fileSink{Sink: inner, out: out}, nil
}

// fileSink closes the encoder, then the destination it writes to. A
// destination that can abort is discarded when the encoder fails.
type fileSink struct {
	Sink
	out io.Closer
}

type aborter interface {
	Abort() error
}

func (s *fileSink) Close() error {
	if err := s.Sink.Close(); err != nil {
		if a, ok := s.out.(aborter); ok {
			_ = a.Abort()
		} else {
			_ = s.out.Close()
		}
		return err
	}
	return s.out.Close()
}
