// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func generateBatch(mem memory.Allocator, first int64, rows int) arrow.RecordBatch {
	ib := array.NewInt64Builder(mem)
	defer ib.Release()
	vb := array.NewInt64Builder(mem)
	defer vb.Release()
	ib.Reserve(rows)
	vb.Reserve(rows)
	for i := first; i < first+int64(rows); i++ {
		ib.UnsafeAppend(i)
		vb.UnsafeAppend(i * 10)
	}
	is, vs := ib.NewArray(), vb.NewArray()
	defer is.Release()
	defer vs.Release()
	return array.NewRecordBatch(GenerateSchema, []arrow.Array{is, vs}, int64(rows))
}

// labels returns the strings "label-<first>" through "label-<first+n-1>".
func labels(mem memory.Allocator, first, n int) arrow.Array {
	b := array.NewStringBuilder(mem)
	defer b.Release()
	for i := first; i < first+n; i++ {
		b.Append("label-" + strconv.Itoa(i))
	}
	return b.NewArray()
}

// labelBatch references dict round-robin.
func labelBatch(mem memory.Allocator, dict arrow.Array, first int64, rows int) arrow.RecordBatch {
	ib := array.NewInt64Builder(mem)
	defer ib.Release()
	xb := array.NewInt32Builder(mem)
	defer xb.Release()
	ib.Reserve(rows)
	xb.Reserve(rows)
	for r := range rows {
		ib.UnsafeAppend(first + int64(r))
		xb.UnsafeAppend(int32(r % dict.Len()))
	}
	ids, indices := ib.NewArray(), xb.NewArray()
	defer ids.Release()
	defer indices.Release()
	col := array.NewDictionaryArray(LabelType, indices, dict)
	defer col.Release()
	return array.NewRecordBatch(LabelSchema, []arrow.Array{ids, col}, int64(rows))
}
