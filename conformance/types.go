// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Reading is one row of the readings datasets.
type Reading struct {
	ID     int64   `arrow:"id"`
	Sensor string  `arrow:"sensor"`
	Value  float64 `arrow:"value"`
}

// ReadingsSchema is shared by every readings dataset.
var ReadingsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "sensor", Type: arrow.BinaryTypes.String},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

// ColorType is the dictionary-encoded color column type.
var ColorType = &arrow.DictionaryType{
	IndexType: arrow.PrimitiveTypes.Int16,
	ValueType: arrow.BinaryTypes.String,
}

// Paint is one row of the colors datasets.
type Paint struct {
	ID    int64  `arrow:"id"`
	Color string `arrow:"color"`
}

// ColorsSchema carries one dictionary-encoded column.
var ColorsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "color", Type: ColorType},
}, nil)

// TagType is the dictionary type of list elements in the tags dataset.
var TagType = &arrow.DictionaryType{
	IndexType: arrow.PrimitiveTypes.Int32,
	ValueType: arrow.BinaryTypes.String,
}

// Tagged is one row of the tags dataset.
type Tagged struct {
	ID   int64    `arrow:"id"`
	Tags []string `arrow:"tags"`
}

// TagsSchema nests a dictionary inside a list.
var TagsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "tags", Type: arrow.ListOf(TagType), Nullable: true},
}, nil)

// Dataset names served by the catalogue.
const (
	DatasetReadings       = "readings"
	DatasetReadingsEast   = "readings_east"
	DatasetReadingsWest   = "readings_west"
	DatasetColors         = "colors"
	DatasetColorsReplaced = "colors_replaced"
	DatasetColorsDelta    = "colors_delta"
	DatasetTags           = "tags"
	DatasetNoisy          = "noisy"
	DatasetEmpty          = "empty"
	DatasetSharded        = "sharded"
	DatasetOffline        = "offline"
	DatasetSchemaless     = "schemaless"
)

// ReadingsBatchRows is the row count of each batch of the readings
// dataset: 12500 rows in total.
var ReadingsBatchRows = []int{5000, 5000, 2500}

// ShardRows is the row count of each endpoint of the sharded dataset.
const ShardRows = 1000
