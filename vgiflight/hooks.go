// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"context"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
)

// StreamHook provides observability callpoints around each endpoint stream.
// Implementations must be safe for concurrent use (FetchConcurrent runs
// streams in parallel).
type StreamHook interface {
	OnStreamStart(ctx context.Context, info StreamInfo) (context.Context, HookToken)
	OnStreamEnd(ctx context.Context, token HookToken, info StreamInfo, stats *StreamStatistics, err error)
}

// HookToken is an opaque value returned by OnStreamStart and passed back to
// OnStreamEnd. Only meaningful to the StreamHook that created it.
type HookToken interface{}

// StreamInfo describes one endpoint stream.
type StreamInfo struct {
	StreamID      string // unique per opened stream
	Descriptor    string // dataset descriptor, as DatasetDescriptor.String
	EndpointIndex int
	Location      string // empty when the current connection serves the endpoint
}

// StreamStatistics holds per-stream decode counters.
type StreamStatistics struct {
	Messages          int64
	SchemaMessages    int64
	DictionaryBatches int64
	RecordBatches     int64
	SkippedMessages   int64
	Rows              int64
	Bytes             int64
}

// RecordBatch records one yielded batch with the given row count and buffer size.
func (s *StreamStatistics) RecordBatch(numRows, bufferBytes int64) {
	s.RecordBatches++
	s.Rows += numRows
	s.Bytes += bufferBytes
}

func (s *StreamStatistics) add(o StreamStatistics) {
	s.Messages += o.Messages
	s.SchemaMessages += o.SchemaMessages
	s.DictionaryBatches += o.DictionaryBatches
	s.RecordBatches += o.RecordBatches
	s.SkippedMessages += o.SkippedMessages
	s.Rows += o.Rows
	s.Bytes += o.Bytes
}

func batchBufferSize(batch arrow.RecordBatch) int64 {
	var total int64
	for _, col := range batch.Columns() {
		total += dataBufferSize(col.Data())
	}
	return total
}

func dataBufferSize(data arrow.ArrayData) int64 {
	var total int64
	for _, buf := range data.Buffers() {
		if buf != nil {
			total += int64(buf.Len())
		}
	}
	for _, child := range data.Children() {
		total += dataBufferSize(child)
	}
	return total
}

func (c *Client) hookStart(ctx context.Context, info StreamInfo) (context.Context, HookToken) {
	if c.hook == nil {
		return ctx, nil
	}
	var token HookToken
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				slog.Error("stream hook start panic", "err", rv)
			}
		}()
		var hctx context.Context
		hctx, token = c.hook.OnStreamStart(ctx, info)
		if hctx != nil {
			ctx = hctx
		}
	}()
	return ctx, token
}

func (c *Client) hookEnd(ctx context.Context, token HookToken, info StreamInfo, stats *StreamStatistics, err error) {
	if c.hook == nil {
		return
	}
	defer func() {
		if rv := recover(); rv != nil {
			slog.Error("stream hook end panic", "err", rv)
		}
	}()
	c.hook.OnStreamEnd(ctx, token, info, stats, err)
}
