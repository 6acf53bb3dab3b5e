// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	flatbuffers "github.com/google/flatbuffers/go"
)

// Dataset is one canned dataset of the catalogue.
type Dataset struct {
	Name   string
	Schema *arrow.Schema
	// Shards is the number of endpoints; zero means the dataset has none.
	Shards int
	// OmitSchema leaves the schema out of the dataset's metadata so clients
	// must take it from the stream.
	OmitSchema bool

	encode func(mem memory.Allocator, shard int) ([]*flight.FlightData, error)
}

// NewDataset describes a dataset whose endpoint streams come from encode,
// called with the shard index of each endpoint.
func NewDataset(name string, schema *arrow.Schema, shards int, encode func(mem memory.Allocator, shard int) ([]*flight.FlightData, error)) *Dataset {
	return &Dataset{Name: name, Schema: schema, Shards: shards, encode: encode}
}

// Messages encodes the Flight messages of one endpoint of the dataset.
func (d *Dataset) Messages(mem memory.Allocator, shard int) ([]*flight.FlightData, error) {
	if shard < 0 || shard >= max(d.Shards, 1) {
		return nil, fmt.Errorf("dataset %s has no shard %d", d.Name, shard)
	}
	return d.encode(mem, shard)
}

// Lookup returns the catalogue entry with the given name.
func Lookup(name string) (*Dataset, bool) {
	for _, d := range Catalogue() {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Catalogue returns every dataset, sorted by name.
func Catalogue() []*Dataset {
	out := []*Dataset{
		{Name: DatasetReadings, Schema: ReadingsSchema, Shards: 1, encode: writeBatches(ReadingsSchema, readingsBatches(0, ReadingsBatchRows...))},
		{Name: DatasetReadingsEast, Schema: ReadingsSchema, Shards: 1, encode: writeBatches(ReadingsSchema, readingsBatches(100000, 100))},
		{Name: DatasetReadingsWest, Schema: ReadingsSchema, Shards: 1, encode: writeBatches(ReadingsSchema, readingsBatches(200000, 60, 40))},
		{Name: DatasetColors, Schema: ColorsSchema, Shards: 1, encode: writeBatches(ColorsSchema, colorsBatches)},
		{Name: DatasetColorsReplaced, Schema: ColorsSchema, Shards: 1, encode: encodeColorsReplaced},
		{Name: DatasetColorsDelta, Schema: ColorsSchema, Shards: 1, encode: writeBatches(ColorsSchema, colorsDeltaBatches, ipc.WithDictionaryDeltas(true))},
		{Name: DatasetTags, Schema: TagsSchema, Shards: 1, encode: encodeTags},
		{Name: DatasetNoisy, Schema: ReadingsSchema, Shards: 1, encode: encodeNoisy},
		{Name: DatasetEmpty, Schema: ReadingsSchema, Shards: 1, encode: writeBatches(ReadingsSchema, readingsBatches(0))},
		{Name: DatasetSharded, Schema: ReadingsSchema, Shards: 3, encode: encodeShard},
		{Name: DatasetOffline, Schema: ReadingsSchema, encode: writeBatches(ReadingsSchema, readingsBatches(0))},
		{Name: DatasetSchemaless, Schema: ReadingsSchema, Shards: 1, OmitSchema: true, encode: writeBatches(ReadingsSchema, readingsBatches(0, 10))},
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type batchSource func(mem memory.Allocator, shard int) ([]arrow.RecordBatch, error)

// writeBatches encodes the source's batches with a single Flight writer.
func writeBatches(schema *arrow.Schema, src batchSource, opts ...ipc.Option) func(memory.Allocator, int) ([]*flight.FlightData, error) {
	return func(mem memory.Allocator, shard int) ([]*flight.FlightData, error) {
		batches, err := src(mem, shard)
		if err != nil {
			return nil, err
		}
		return EncodeBatches(mem, schema, batches, opts...)
	}
}

// EncodeBatches writes batches through a Flight record writer and returns
// the captured messages. The batches are released.
func EncodeBatches(mem memory.Allocator, schema *arrow.Schema, batches []arrow.RecordBatch, opts ...ipc.Option) ([]*flight.FlightData, error) {
	defer func() {
		for _, b := range batches {
			b.Release()
		}
	}()
	var sink messageSink
	all := append([]ipc.Option{ipc.WithSchema(schema), ipc.WithAllocator(mem)}, opts...)
	w := flight.NewRecordWriter(&sink, all...)
	for _, b := range batches {
		if err := w.Write(b); err != nil {
			w.Close()
			return nil, fmt.Errorf("write batch: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return sink.msgs, nil
}

// messageSink collects Flight messages, copying them out of writer-owned
// buffers.
type messageSink struct {
	msgs []*flight.FlightData
}

func (s *messageSink) Send(fd *flight.FlightData) error {
	s.msgs = append(s.msgs, &flight.FlightData{
		DataHeader:  append([]byte(nil), fd.DataHeader...),
		DataBody:    append([]byte(nil), fd.DataBody...),
		AppMetadata: append([]byte(nil), fd.AppMetadata...),
	})
	return nil
}

// MessageType reports the IPC header type of an encoded message, or
// ipc.MessageNone when it carries no header.
func MessageType(fd *flight.FlightData) ipc.MessageType {
	if len(fd.DataHeader) == 0 {
		return ipc.MessageNone
	}
	msg := ipc.NewMessage(memory.NewBufferBytes(fd.DataHeader), memory.NewBufferBytes(fd.DataBody))
	defer msg.Release()
	return msg.Type()
}

// UnsupportedMessage builds a bare message header of the given header type
// with no header table and no body. Header type 4 is a Tensor.
func UnsupportedMessage(headerType byte) *flight.FlightData {
	b := flatbuffers.NewBuilder(32)
	b.StartObject(5)
	b.PrependInt64Slot(3, 0, 0)
	b.PrependByteSlot(1, headerType, 0)
	b.PrependInt16Slot(0, 4, 0) // MetadataVersion V5
	b.Finish(b.EndObject())
	return &flight.FlightData{DataHeader: b.FinishedBytes()}
}

// MetadataMessage builds a message carrying only application metadata.
func MetadataMessage(md []byte) *flight.FlightData {
	return &flight.FlightData{AppMetadata: md}
}

// ReadingAt returns the reading with the given id.
func ReadingAt(id int64) Reading {
	return Reading{ID: id, Sensor: fmt.Sprintf("s%d", id%4), Value: float64(id) * 0.5}
}

func readingsBatches(first int64, rows ...int) batchSource {
	return func(mem memory.Allocator, _ int) ([]arrow.RecordBatch, error) {
		var out []arrow.RecordBatch
		next := first
		for _, n := range rows {
			out = append(out, readingsBatch(mem, next, n))
			next += int64(n)
		}
		return out, nil
	}
}

func readingsBatch(mem memory.Allocator, first int64, n int) arrow.RecordBatch {
	ids := array.NewInt64Builder(mem)
	defer ids.Release()
	sensors := array.NewStringBuilder(mem)
	defer sensors.Release()
	values := array.NewFloat64Builder(mem)
	defer values.Release()
	for i := range n {
		r := ReadingAt(first + int64(i))
		ids.Append(r.ID)
		sensors.Append(r.Sensor)
		values.Append(r.Value)
	}
	return newBatch(ReadingsSchema, ids.NewArray(), sensors.NewArray(), values.NewArray())
}

func encodeShard(mem memory.Allocator, shard int) ([]*flight.FlightData, error) {
	batch := readingsBatch(mem, int64(shard*ShardRows), ShardRows)
	return EncodeBatches(mem, ReadingsSchema, []arrow.RecordBatch{batch})
}

// encodeNoisy interleaves unsupported and metadata-only messages with a
// readings stream.
func encodeNoisy(mem memory.Allocator, _ int) ([]*flight.FlightData, error) {
	msgs, err := EncodeBatches(mem, ReadingsSchema, []arrow.RecordBatch{
		readingsBatch(mem, 0, 10),
		readingsBatch(mem, 10, 10),
		readingsBatch(mem, 20, 10),
	})
	if err != nil {
		return nil, err
	}
	var out []*flight.FlightData
	for _, m := range msgs {
		switch MessageType(m) {
		case ipc.MessageSchema:
			out = append(out, m, UnsupportedMessage(42))
		case ipc.MessageRecordBatch:
			out = append(out, UnsupportedMessage(4), m)
		default:
			out = append(out, m)
		}
	}
	return append(out, MetadataMessage([]byte("done"))), nil
}

// Colors of the colors dataset dictionary.
var Colors = []string{"red", "green", "blue"}

// ColorsRows lists the colors dataset rows in stream order.
var ColorsRows = []Paint{
	{1, "red"}, {2, "green"}, {3, "blue"}, {4, "red"},
	{5, "blue"}, {6, "blue"}, {7, "green"},
}

func colorsBatches(mem memory.Allocator, _ int) ([]arrow.RecordBatch, error) {
	return []arrow.RecordBatch{
		colorsBatch(mem, []int64{1, 2, 3, 4}, Colors, []int16{0, 1, 2, 0}),
		colorsBatch(mem, []int64{5, 6, 7}, Colors, []int16{2, 2, 1}),
	}, nil
}

// ReplacedRows lists the colors_replaced dataset rows: the dictionary is
// replaced between the two batches.
var ReplacedRows = []Paint{
	{1, "red"}, {2, "green"}, {3, "green"},
	{4, "yellow"}, {5, "magenta"}, {6, "cyan"},
}

// encodeColorsReplaced splices two independently written streams so the
// second batch follows a full replacement of dictionary 0.
func encodeColorsReplaced(mem memory.Allocator, _ int) ([]*flight.FlightData, error) {
	return spliceStreams(mem, ColorsSchema,
		colorsBatch(mem, []int64{1, 2, 3}, []string{"red", "green"}, []int16{0, 1, 1}),
		colorsBatch(mem, []int64{4, 5, 6}, []string{"cyan", "magenta", "yellow"}, []int16{2, 1, 0}),
	)
}

// spliceStreams writes each batch as its own stream and joins them under
// the first schema message. Every batch after the first is preceded by a
// full replacement of its dictionaries.
func spliceStreams(mem memory.Allocator, schema *arrow.Schema, batches ...arrow.RecordBatch) ([]*flight.FlightData, error) {
	var out []*flight.FlightData
	for i, b := range batches {
		msgs, err := EncodeBatches(mem, schema, []arrow.RecordBatch{b})
		if err != nil {
			for _, rest := range batches[i+1:] {
				rest.Release()
			}
			return nil, err
		}
		for _, m := range msgs {
			if i > 0 && MessageType(m) == ipc.MessageSchema {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// DeltaRows lists the colors_delta dataset rows: the second batch extends
// the dictionary with a delta.
var DeltaRows = []Paint{
	{1, "red"}, {2, "green"},
	{3, "blue"}, {4, "red"}, {5, "green"},
}

func colorsDeltaBatches(mem memory.Allocator, _ int) ([]arrow.RecordBatch, error) {
	return []arrow.RecordBatch{
		colorsBatch(mem, []int64{1, 2}, []string{"red", "green"}, []int16{0, 1}),
		colorsBatch(mem, []int64{3, 4, 5}, []string{"red", "green", "blue"}, []int16{2, 0, 1}),
	}, nil
}

// ColorsBatch builds one batch of ColorsSchema from explicit dictionary
// values and indices.
func ColorsBatch(mem memory.Allocator, ids []int64, dict []string, indices []int16) arrow.RecordBatch {
	return colorsBatch(mem, ids, dict, indices)
}

func colorsBatch(mem memory.Allocator, ids []int64, dict []string, indices []int16) arrow.RecordBatch {
	ib := array.NewInt64Builder(mem)
	defer ib.Release()
	ib.AppendValues(ids, nil)

	db := array.NewStringBuilder(mem)
	defer db.Release()
	db.AppendValues(dict, nil)
	values := db.NewArray()
	defer values.Release()

	xb := array.NewInt16Builder(mem)
	defer xb.Release()
	xb.AppendValues(indices, nil)
	idx := xb.NewArray()
	defer idx.Release()

	colors := array.NewDictionaryArray(ColorType, idx, values)
	return newBatch(ColorsSchema, ib.NewArray(), colors)
}

// TagsRows lists the tags dataset rows in stream order.
var TagsRows = []Tagged{
	{1, []string{"a", "b"}},
	{2, nil},
	{3, []string{"b"}},
	{4, []string{"c", "a", "c"}},
}

func encodeTags(mem memory.Allocator, _ int) ([]*flight.FlightData, error) {
	return spliceStreams(mem, TagsSchema, tagsBatch(mem, TagsRows[:2]), tagsBatch(mem, TagsRows[2:]))
}

func tagsBatch(mem memory.Allocator, rows []Tagged) arrow.RecordBatch {
	ib := array.NewInt64Builder(mem)
	defer ib.Release()
	lb := array.NewListBuilder(mem, TagType)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.BinaryDictionaryBuilder)
	for _, r := range rows {
		ib.Append(r.ID)
		if r.Tags == nil {
			lb.AppendNull()
			continue
		}
		lb.Append(true)
		for _, t := range r.Tags {
			_ = vb.AppendString(t)
		}
	}
	return newBatch(TagsSchema, ib.NewArray(), lb.NewArray())
}

func newBatch(schema *arrow.Schema, cols ...arrow.Array) arrow.RecordBatch {
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(schema, cols, int64(cols[0].Len()))
}

// recordLength reads the row count of a record batch message.
func recordLength(fd *flight.FlightData) (int64, bool) {
	if MessageType(fd) != ipc.MessageRecordBatch {
		return 0, false
	}
	buf := fd.DataHeader
	msg := flatbuffers.Table{Bytes: buf, Pos: flatbuffers.GetUOffsetT(buf)}
	o := flatbuffers.UOffsetT(msg.Offset(8)) // Message.header
	if o == 0 {
		return 0, true
	}
	rec := flatbuffers.Table{Bytes: buf, Pos: msg.Indirect(o + msg.Pos)}
	if lo := flatbuffers.UOffsetT(rec.Offset(4)); lo != 0 { // RecordBatch.length
		return rec.GetInt64(lo + rec.Pos), true
	}
	return 0, true
}
