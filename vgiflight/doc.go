// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package vgiflight implements a Go client for Apache Arrow Flight
// datasets: discovering what a server exposes, fetching per-dataset
// metadata, and streaming a dataset back as typed record batches.
//
// # Retrieval
//
// Retrieval runs in three steps, each available on its own:
//
//   - [Client.List] and [Client.Resolve] turn a name or selection
//     expression into a [DatasetDescriptor].
//   - [Client.Describe] fetches a [DatasetInfo]: schema bytes, row and
//     byte totals (-1 when unknown) and the endpoints holding the data.
//   - [Client.FetchInfo] resolves the schema once and returns a [Stream]
//     that reads endpoint tickets and yields record batches.
//
// [Client.Fetch] chains all three. [Client.FetchConcurrent] reads every
// endpoint in parallel.
//
// # Decoding
//
// A [Decoder] consumes one endpoint's messages in order. Each message is
// classified by its IPC header:
//
//   - schema: confirms the resolved schema, column for column
//   - dictionary batch: stores (or, for deltas, extends) the values for a
//     dictionary id in the decoder's [DictionaryTable]
//   - record batch: decoded and bound to the current dictionaries, then
//     validated against the schema before it is yielded
//   - anything else: logged and skipped
//
// Every batch a stream yields points at the same *arrow.Schema. Failures
// are reported as [*Error] values whose kind can be tested with errors.Is
// against [ErrTransport], [ErrNotFound], [ErrSchemaDecode],
// [ErrFrameDecode], [ErrSchemaMismatch] and [ErrMissingDictionary].
//
// # Observability
//
// A [StreamHook] set with [Client.SetStreamHook] is called around every
// endpoint stream with a [StreamStatistics] summary. Package
// github.com/Query-farm/vgi-flight/vgiflight/otel provides an
// OpenTelemetry implementation.
package vgiflight
