// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const flushThreshold = 64 << 10

// JSONLSink writes one JSON object per row, columns in schema order.
// Dictionary columns are written as their values.
type JSONLSink struct {
	stream *jsoniter.Stream
	zw     *zstd.Encoder
	rows   int64
}

// NewJSONLSink writes to w, framing the output as a zstd stream when
// compress is set. Closing the sink does not close w.
func NewJSONLSink(w io.Writer, compress bool) (*JSONLSink, error) {
	s := &JSONLSink{}
	if compress {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("export: zstd writer: %w", err)
		}
		s.zw = zw
		w = zw
	}
	s.stream = jsoniter.NewStream(json, w, 4096)
	return s, nil
}

func (s *JSONLSink) Write(rec arrow.RecordBatch) error {
	cols := rec.Columns()
	for row := 0; row < int(rec.NumRows()); row++ {
		s.stream.WriteObjectStart()
		for i, col := range cols {
			if i > 0 {
				s.stream.WriteMore()
			}
			s.stream.WriteObjectField(rec.ColumnName(i))
			if col.IsNull(row) {
				s.stream.WriteNil()
				continue
			}
			s.stream.WriteVal(col.GetOneForMarshal(row))
		}
		s.stream.WriteObjectEnd()
		s.stream.WriteRaw("\n")
		s.rows++
		if s.stream.Buffered() > flushThreshold {
			if err := s.stream.Flush(); err != nil {
				return fmt.Errorf("export: write jsonl: %w", err)
			}
		}
	}
	if s.stream.Error != nil {
		return fmt.Errorf("export: encode jsonl: %w", s.stream.Error)
	}
	return nil
}

// Rows is the number of rows written so far.
func (s *JSONLSink) Rows() int64 { return s.rows }

func (s *JSONLSink) Close() error {
	if err := s.stream.Flush(); err != nil {
		return fmt.Errorf("export: write jsonl: %w", err)
	}
	if s.zw != nil {
		return s.zw.Close()
	}
	return nil
}
