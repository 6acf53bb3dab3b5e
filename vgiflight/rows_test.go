// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	ID      int32      `arrow:"id"`
	Label   *string    `arrow:"label"`
	At      time.Time  `arrow:"at"`
	Point   point      `arrow:"point"`
	Skipped string     `arrow:"-"`
	Scores  []float64  `arrow:"scores"`
	Flag    *bool      `arrow:"flag"`
	Seen    *time.Time `arrow:"seen"`
	Missing float64
}

type point struct {
	X float64 `arrow:"x"`
	Y float64 `arrow:"y"`
}

func eventBatch(t *testing.T) arrow.RecordBatch {
	t.Helper()
	mem := memory.NewGoAllocator()
	pointType := arrow.StructOf(
		arrow.Field{Name: "x", Type: arrow.PrimitiveTypes.Float64},
		arrow.Field{Name: "y", Type: arrow.PrimitiveTypes.Float64},
	)
	tsType := &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "label", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "at", Type: tsType},
		{Name: "point", Type: pointType},
		{Name: "scores", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
		{Name: "flag", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
		{Name: "seen", Type: tsType, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	b.Field(0).(*array.Int32Builder).AppendValues([]int32{1, 2}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"first", ""}, []bool{true, false})
	ts := b.Field(2).(*array.TimestampBuilder)
	ts.Append(arrow.Timestamp(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMicro()))
	ts.Append(arrow.Timestamp(0))

	sb := b.Field(3).(*array.StructBuilder)
	for _, p := range []point{{1, 2}, {3, 4}} {
		sb.Append(true)
		sb.FieldBuilder(0).(*array.Float64Builder).Append(p.X)
		sb.FieldBuilder(1).(*array.Float64Builder).Append(p.Y)
	}

	lb := b.Field(4).(*array.ListBuilder)
	vb := lb.ValueBuilder().(*array.Float64Builder)
	lb.Append(true)
	vb.AppendValues([]float64{0.5, 1.5}, nil)
	lb.Append(true)

	b.Field(5).(*array.BooleanBuilder).AppendValues([]bool{true, false}, []bool{true, false})
	seen := b.Field(6).(*array.TimestampBuilder)
	seen.AppendNull()
	seen.Append(arrow.Timestamp(1_000_000))

	rec := b.NewRecord()
	t.Cleanup(rec.Release)
	return rec
}

func TestScanRows(t *testing.T) {
	rows, err := ScanRows[event](eventBatch(t))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, int32(1), first.ID)
	require.NotNil(t, first.Label)
	assert.Equal(t, "first", *first.Label)
	assert.True(t, first.At.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, point{1, 2}, first.Point)
	assert.Equal(t, []float64{0.5, 1.5}, first.Scores)
	require.NotNil(t, first.Flag)
	assert.True(t, *first.Flag)
	assert.Nil(t, first.Seen)
	assert.Empty(t, first.Skipped)
	assert.Zero(t, first.Missing)

	second := rows[1]
	assert.Nil(t, second.Label)
	assert.Nil(t, second.Flag)
	assert.Equal(t, []float64{}, second.Scores)
	require.NotNil(t, second.Seen)
	assert.True(t, second.Seen.Equal(time.Unix(1, 0)))
}

func TestScanRowsErrors(t *testing.T) {
	batch := eventBatch(t)

	_, err := ScanRows[int](batch)
	assert.Error(t, err)

	type wrongType struct {
		ID string `arrow:"id"`
	}
	_, err = ScanRows[wrongType](batch)
	assert.Error(t, err)

	type missingColumn struct {
		Nope int64 `arrow:"nope"`
	}
	_, err = ScanRows[missingColumn](batch)
	assert.Error(t, err)
}
