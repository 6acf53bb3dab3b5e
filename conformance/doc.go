// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance provides internal test fixtures for the vgi-flight
// client: a catalogue of canned datasets and an in-process Arrow Flight
// service that serves them. The datasets exercise every path of the stream
// decoder: plain record batches, dictionary-encoded columns (stable,
// replaced mid-stream and extended with deltas), dictionaries nested in
// lists, unsupported message kinds interleaved with data, empty streams,
// multi-endpoint datasets, datasets with no endpoints, and metadata that
// omits the schema.
//
// Listing follows the usual dataset-server conventions: an empty
// listing expression lists every dataset, "<prefix>.dataset" lists one
// merged dataset covering every "<prefix>_*" member (with an unknown byte
// total), and any other expression is a glob over dataset names.
//
// Entry points are [Start], which serves the catalogue over gRPC, and
// [Lookup], which exposes a dataset's encoded messages directly. Extra
// datasets built with [NewDataset] can be added to a running server with
// [Server.Register].
package conformance
