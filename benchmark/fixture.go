// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark holds synthetic datasets sized for measuring decode and
// fetch throughput, and the benchmarks that use them.
package benchmark

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/vgi-flight/conformance"
)

// Dataset names registered by RegisterDatasets.
const (
	DatasetGenerate        = "bench_generate"
	DatasetDictionary      = "bench_dictionary"
	DatasetChurn           = "bench_churn"
	DatasetGenerateSharded = "bench_generate_sharded"
)

// Sizes of the registered datasets.
const (
	Batches     = 64
	BatchRows   = 4096
	Cardinality = 256
	Shards      = 4
)

// Stream schemas

var GenerateSchema = arrow.NewSchema([]arrow.Field{
	{Name: "i", Type: arrow.PrimitiveTypes.Int64},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64},
}, nil)

var LabelType = &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String}

var LabelSchema = arrow.NewSchema([]arrow.Field{
	{Name: "i", Type: arrow.PrimitiveTypes.Int64},
	{Name: "label", Type: LabelType},
}, nil)

// RegisterDatasets adds the benchmark datasets to a fixture server.
func RegisterDatasets(server *conformance.Server) {
	server.Register(conformance.NewDataset(DatasetGenerate, GenerateSchema, 1, func(mem memory.Allocator, _ int) ([]*flight.FlightData, error) {
		return GenerateMessages(mem, 0, Batches, BatchRows)
	}))
	server.Register(conformance.NewDataset(DatasetGenerateSharded, GenerateSchema, Shards, func(mem memory.Allocator, shard int) ([]*flight.FlightData, error) {
		return GenerateMessages(mem, int64(shard*Batches*BatchRows), Batches, BatchRows)
	}))
	server.Register(conformance.NewDataset(DatasetDictionary, LabelSchema, 1, func(mem memory.Allocator, _ int) ([]*flight.FlightData, error) {
		return DictionaryMessages(mem, Batches, BatchRows, Cardinality)
	}))
	server.Register(conformance.NewDataset(DatasetChurn, LabelSchema, 1, func(mem memory.Allocator, _ int) ([]*flight.FlightData, error) {
		return ChurnMessages(mem, Batches, BatchRows, Cardinality)
	}))
}

// GenerateMessages encodes batches of {i, value} with value = i * 10,
// starting at first.
func GenerateMessages(mem memory.Allocator, first int64, batches, rows int) ([]*flight.FlightData, error) {
	out := make([]arrow.RecordBatch, batches)
	for b := range out {
		out[b] = generateBatch(mem, first+int64(b*rows), rows)
	}
	return conformance.EncodeBatches(mem, GenerateSchema, out)
}

// DictionaryMessages encodes batches sharing one dictionary of cardinality
// labels.
func DictionaryMessages(mem memory.Allocator, batches, rows, cardinality int) ([]*flight.FlightData, error) {
	dict := labels(mem, 0, cardinality)
	defer dict.Release()
	out := make([]arrow.RecordBatch, batches)
	for b := range out {
		out[b] = labelBatch(mem, dict, int64(b*rows), rows)
	}
	return conformance.EncodeBatches(mem, LabelSchema, out)
}

// ChurnMessages encodes batches that each arrive with a replacement
// dictionary, the worst case for a decoder's dictionary table.
func ChurnMessages(mem memory.Allocator, batches, rows, cardinality int) ([]*flight.FlightData, error) {
	var out []*flight.FlightData
	for b := range batches {
		dict := labels(mem, b*cardinality, cardinality)
		batch := labelBatch(mem, dict, int64(b*rows), rows)
		dict.Release()
		msgs, err := conformance.EncodeBatches(mem, LabelSchema, []arrow.RecordBatch{batch})
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if b > 0 && conformance.MessageType(m) == ipc.MessageSchema {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}
