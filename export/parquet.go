// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// ParquetSink writes each batch as one zstd-compressed row group. The
// Arrow schema is stored in the file metadata so dictionary columns read
// back as dictionaries.
type ParquetSink struct {
	fw *pqarrow.FileWriter
}

// NewParquetSink writes to w. Closing the sink writes the footer but does
// not close w.
func NewParquetSink(w io.Writer, schema *arrow.Schema, mem memory.Allocator) (*ParquetSink, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithAllocator(mem),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
		pqarrow.WithAllocator(mem),
	)
	fw, err := pqarrow.NewFileWriter(schema, writerOnly{w}, props, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("export: parquet writer: %w", err)
	}
	return &ParquetSink{fw: fw}, nil
}

func (s *ParquetSink) Write(rec arrow.RecordBatch) error {
	if err := s.fw.Write(rec); err != nil {
		return fmt.Errorf("export: write parquet: %w", err)
	}
	return nil
}

func (s *ParquetSink) Close() error {
	if err := s.fw.Close(); err != nil {
		return fmt.Errorf("export: close parquet: %w", err)
	}
	return nil
}

// writerOnly hides Close so the parquet writer leaves the destination open.
type writerOnly struct {
	io.Writer
}
