// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"errors"
	"io"
	"slices"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Query-farm/vgi-flight/conformance"
)

// sliceSource replays canned messages, then returns err (io.EOF when nil).
type sliceSource struct {
	msgs []*flight.FlightData
	err  error
}

func (s *sliceSource) Recv() (*flight.FlightData, error) {
	if len(s.msgs) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func datasetMessages(t *testing.T, name string) []*flight.FlightData {
	t.Helper()
	d, ok := conformance.Lookup(name)
	require.True(t, ok, "dataset %s", name)
	msgs, err := d.Messages(memory.NewGoAllocator(), 0)
	require.NoError(t, err)
	return msgs
}

func withoutType(msgs []*flight.FlightData, mt ipc.MessageType) []*flight.FlightData {
	var out []*flight.FlightData
	for _, m := range msgs {
		if conformance.MessageType(m) != mt {
			out = append(out, m)
		}
	}
	return out
}

func resolve(t *testing.T, sc *arrow.Schema) *Schema {
	t.Helper()
	mem := memory.NewGoAllocator()
	s, err := ResolveSchema(flight.SerializeSchema(sc, mem), mem)
	require.NoError(t, err)
	return s
}

// drain reads every batch, retaining each for the rest of the test.
func drain(t *testing.T, d *Decoder) []arrow.RecordBatch {
	t.Helper()
	var out []arrow.RecordBatch
	for d.Next() {
		rec := d.RecordBatch()
		rec.Retain()
		t.Cleanup(rec.Release)
		out = append(out, rec)
	}
	return out
}

func scanAll[T any](t *testing.T, batches []arrow.RecordBatch) []T {
	t.Helper()
	var out []T
	for _, b := range batches {
		rows, err := ScanRows[T](b)
		require.NoError(t, err)
		out = append(out, rows...)
	}
	return out
}

func TestDecoderReadings(t *testing.T) {
	schema := resolve(t, conformance.ReadingsSchema)
	d := NewDecoder(&sliceSource{msgs: datasetMessages(t, conformance.DatasetReadings)}, schema)
	assert.Equal(t, StateAwaitingSchema, d.State())

	batches := drain(t, d)
	require.NoError(t, d.Err())
	assert.Equal(t, StateClosed, d.State())
	require.Len(t, batches, 3)

	var total int64
	for i, b := range batches {
		assert.Equal(t, int64(conformance.ReadingsBatchRows[i]), b.NumRows())
		assert.Equal(t, int64(3), b.NumCols())
		assert.Same(t, schema.Arrow(), b.Schema(), "batch %d schema", i)
		for c, col := range b.Columns() {
			assert.Equal(t, b.NumRows(), int64(col.Len()), "batch %d column %d", i, c)
		}
		total += b.NumRows()
	}
	assert.Equal(t, int64(12500), total)

	last, err := ScanRows[conformance.Reading](batches[2])
	require.NoError(t, err)
	assert.Equal(t, conformance.ReadingAt(10000), last[0])
	assert.Equal(t, conformance.ReadingAt(12499), last[len(last)-1])

	stats := d.Statistics()
	assert.Equal(t, int64(3), stats.RecordBatches)
	assert.Equal(t, int64(12500), stats.Rows)
	assert.Equal(t, int64(1), stats.SchemaMessages)
	assert.Positive(t, stats.Bytes)
}

func TestDecoderIsDeterministic(t *testing.T) {
	for _, name := range []string{conformance.DatasetReadings, conformance.DatasetColorsReplaced, conformance.DatasetTags} {
		t.Run(name, func(t *testing.T) {
			msgs := datasetMessages(t, name)
			first := drain(t, NewDecoder(&sliceSource{msgs: msgs}, nil))
			second := drain(t, NewDecoder(&sliceSource{msgs: msgs}, nil))
			require.Len(t, second, len(first))
			for i := range first {
				assert.True(t, array.RecordEqual(first[i], second[i]), "batch %d", i)
			}
		})
	}
}

func TestDecoderSchemaFromStream(t *testing.T) {
	d := NewDecoder(&sliceSource{msgs: datasetMessages(t, conformance.DatasetSchemaless)}, nil)
	assert.Nil(t, d.Schema())

	batches := drain(t, d)
	require.NoError(t, d.Err())
	require.NotNil(t, d.Schema())
	assert.True(t, d.Schema().Arrow().Equal(conformance.ReadingsSchema))
	require.Len(t, batches, 1)
	assert.Same(t, d.Schema().Arrow(), batches[0].Schema())
}

func TestDecoderStableDictionary(t *testing.T) {
	d := NewDecoder(&sliceSource{msgs: datasetMessages(t, conformance.DatasetColors)}, resolve(t, conformance.ColorsSchema))
	batches := drain(t, d)
	require.NoError(t, d.Err())
	require.Len(t, batches, 2)
	assert.Equal(t, conformance.ColorsRows, scanAll[conformance.Paint](t, batches))
	assert.Equal(t, int64(1), d.Statistics().DictionaryBatches)
}

func TestDecoderDictionaryReplacement(t *testing.T) {
	d := NewDecoder(&sliceSource{msgs: datasetMessages(t, conformance.DatasetColorsReplaced)}, resolve(t, conformance.ColorsSchema))

	// The first batch keeps the values it was decoded with after the
	// replacement arrives.
	require.True(t, d.Next())
	first := d.RecordBatch()
	first.Retain()
	defer first.Release()
	values, ok := d.Dictionaries().Lookup(0)
	require.True(t, ok)
	assert.Equal(t, 2, values.Len())

	require.True(t, d.Next())
	values, ok = d.Dictionaries().Lookup(0)
	require.True(t, ok)
	assert.Equal(t, 3, values.Len())
	second := d.RecordBatch()
	second.Retain()
	defer second.Release()

	assert.False(t, d.Next())
	require.NoError(t, d.Err())
	assert.Equal(t, conformance.ReplacedRows, scanAll[conformance.Paint](t, []arrow.RecordBatch{first, second}))
	assert.Equal(t, int64(2), d.Statistics().DictionaryBatches)
}

func TestDecoderReplacementBeforeFirstBatch(t *testing.T) {
	mem := memory.NewGoAllocator()
	stale, err := conformance.EncodeBatches(mem, conformance.ColorsSchema, []arrow.RecordBatch{
		conformance.ColorsBatch(mem, []int64{9}, []string{"black", "white"}, []int16{1}),
	})
	require.NoError(t, err)
	msgs := datasetMessages(t, conformance.DatasetColors)

	// schema, stale dictionary, then the dataset's own dictionary and batches.
	var spliced []*flight.FlightData
	spliced = append(spliced, msgs[0])
	spliced = append(spliced, withoutType(withoutType(stale, ipc.MessageSchema), ipc.MessageRecordBatch)...)
	spliced = append(spliced, msgs[1:]...)

	d := NewDecoder(&sliceSource{msgs: spliced}, resolve(t, conformance.ColorsSchema))
	batches := drain(t, d)
	require.NoError(t, d.Err())
	assert.Equal(t, conformance.ColorsRows, scanAll[conformance.Paint](t, batches))
}

func TestDecoderRepeatedDictionaryIsIdempotent(t *testing.T) {
	msgs := datasetMessages(t, conformance.DatasetColors)
	var doubled []*flight.FlightData
	for _, m := range msgs {
		doubled = append(doubled, m)
		if conformance.MessageType(m) == ipc.MessageDictionaryBatch {
			doubled = append(doubled, m)
		}
	}
	d := NewDecoder(&sliceSource{msgs: doubled}, resolve(t, conformance.ColorsSchema))
	batches := drain(t, d)
	require.NoError(t, d.Err())
	assert.Equal(t, conformance.ColorsRows, scanAll[conformance.Paint](t, batches))
}

func TestDecoderDictionaryDelta(t *testing.T) {
	d := NewDecoder(&sliceSource{msgs: datasetMessages(t, conformance.DatasetColorsDelta)}, resolve(t, conformance.ColorsSchema))
	batches := drain(t, d)
	require.NoError(t, d.Err())
	require.Len(t, batches, 2)
	assert.Equal(t, conformance.DeltaRows, scanAll[conformance.Paint](t, batches))
	assert.Equal(t, int64(2), d.Statistics().DictionaryBatches)
}

func TestDecoderNestedDictionary(t *testing.T) {
	schema := resolve(t, conformance.TagsSchema)
	assert.Equal(t, []int64{0}, schema.DictionaryIDs())

	d := NewDecoder(&sliceSource{msgs: datasetMessages(t, conformance.DatasetTags)}, schema)
	batches := drain(t, d)
	require.NoError(t, d.Err())
	assert.Equal(t, conformance.TagsRows, scanAll[conformance.Tagged](t, batches))
}

func TestDecoderMissingDictionary(t *testing.T) {
	msgs := withoutType(datasetMessages(t, conformance.DatasetColors), ipc.MessageDictionaryBatch)
	d := NewDecoder(&sliceSource{msgs: msgs}, resolve(t, conformance.ColorsSchema))

	assert.False(t, d.Next())
	require.ErrorIs(t, d.Err(), ErrMissingDictionary)
	var fe *Error
	require.ErrorAs(t, d.Err(), &fe)
	assert.Equal(t, int64(0), fe.DictionaryID)
	assert.Equal(t, StateClosed, d.State())
	assert.False(t, d.Next())
}

func TestDecoderSkipsUnsupportedMessages(t *testing.T) {
	d := NewDecoder(&sliceSource{msgs: datasetMessages(t, conformance.DatasetNoisy)}, resolve(t, conformance.ReadingsSchema))
	batches := drain(t, d)
	require.NoError(t, d.Err())
	require.Len(t, batches, 3)

	rows := scanAll[conformance.Reading](t, batches)
	require.Len(t, rows, 30)
	for i, r := range rows {
		assert.Equal(t, conformance.ReadingAt(int64(i)), r)
	}
	stats := d.Statistics()
	assert.Equal(t, int64(5), stats.SkippedMessages)
	assert.Equal(t, []byte("done"), d.LatestAppMetadata())
}

func TestDecoderUnsupportedMessageAnywhere(t *testing.T) {
	msgs := datasetMessages(t, conformance.DatasetColorsReplaced)
	want := drain(t, NewDecoder(&sliceSource{msgs: msgs}, nil))

	for pos := 0; pos <= len(msgs); pos++ {
		noisy := slices.Insert(slices.Clone(msgs), pos, conformance.UnsupportedMessage(99))
		got := drain(t, NewDecoder(&sliceSource{msgs: noisy}, nil))
		require.Len(t, got, len(want), "insert at %d", pos)
		for i := range want {
			assert.True(t, array.RecordEqual(want[i], got[i]), "insert at %d, batch %d", pos, i)
		}
	}
}

func TestDecoderEmptyStream(t *testing.T) {
	t.Run("schema only", func(t *testing.T) {
		d := NewDecoder(&sliceSource{msgs: datasetMessages(t, conformance.DatasetEmpty)}, resolve(t, conformance.ReadingsSchema))
		assert.False(t, d.Next())
		require.NoError(t, d.Err())
		assert.Equal(t, StateClosed, d.State())
		assert.Zero(t, d.Statistics().RecordBatches)
	})
	t.Run("no messages", func(t *testing.T) {
		d := NewDecoder(&sliceSource{}, nil)
		assert.False(t, d.Next())
		require.NoError(t, d.Err())
		assert.Nil(t, d.Schema())
	})
}

func TestDecoderMalformedHeader(t *testing.T) {
	for name, header := range map[string][]byte{
		"short":             {1, 2, 3},
		"root out of range": {0xff, 0xff, 0, 0, 0, 0, 0, 0},
	} {
		t.Run(name, func(t *testing.T) {
			d := NewDecoder(&sliceSource{msgs: []*flight.FlightData{{DataHeader: header}}}, resolve(t, conformance.ReadingsSchema))
			assert.False(t, d.Next())
			require.ErrorIs(t, d.Err(), ErrFrameDecode)
		})
	}
}

func TestDecoderSchemaMismatch(t *testing.T) {
	t.Run("in-stream schema", func(t *testing.T) {
		d := NewDecoder(&sliceSource{msgs: datasetMessages(t, conformance.DatasetReadings)}, resolve(t, conformance.ColorsSchema))
		assert.False(t, d.Next())
		require.ErrorIs(t, d.Err(), ErrSchemaMismatch)
	})
	t.Run("undeclared dictionary", func(t *testing.T) {
		msgs := withoutType(datasetMessages(t, conformance.DatasetColors), ipc.MessageSchema)
		d := NewDecoder(&sliceSource{msgs: msgs}, resolve(t, conformance.ReadingsSchema))
		assert.False(t, d.Next())
		require.ErrorIs(t, d.Err(), ErrSchemaMismatch)
	})
	t.Run("record shape", func(t *testing.T) {
		msgs := withoutType(datasetMessages(t, conformance.DatasetReadings), ipc.MessageSchema)
		narrow := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
		d := NewDecoder(&sliceSource{msgs: msgs}, resolve(t, narrow))
		assert.False(t, d.Next())
		require.ErrorIs(t, d.Err(), ErrSchemaMismatch)
	})
}

func TestDecoderRowCountMismatch(t *testing.T) {
	msgs := datasetMessages(t, conformance.DatasetReadings)
	for i, m := range msgs {
		if conformance.MessageType(m) != ipc.MessageRecordBatch {
			continue
		}
		h, err := parseHeader(m.DataHeader)
		require.NoError(t, err)
		long := cloneMessage(m)
		_, rb := headerTables(t, long.DataHeader)
		require.True(t, rb.MutateInt64Slot(slotRecordLength, h.length+1))
		msgs[i] = long
		break
	}

	d := NewDecoder(&sliceSource{msgs: msgs}, resolve(t, conformance.ReadingsSchema))
	assert.False(t, d.Next())
	require.ErrorIs(t, d.Err(), ErrSchemaMismatch)
	assert.ErrorContains(t, d.Err(), "rows")
	assert.Zero(t, d.Statistics().RecordBatches)
}

func TestDecoderDictionaryIDMismatch(t *testing.T) {
	pair := arrow.NewSchema([]arrow.Field{
		{Name: "color", Type: conformance.ColorType, Nullable: true},
		{Name: "shade", Type: conformance.ColorType, Nullable: true},
	}, nil)
	schema := resolve(t, pair)
	require.Equal(t, []int64{0, 1}, schema.DictionaryIDs())

	msgs, err := conformance.EncodeBatches(memory.NewGoAllocator(), pair, nil)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	sc := cloneMessage(msgs[0])
	_, hdr := headerTables(t, sc.DataHeader)
	require.True(t, fieldEncoding(t, hdr, 1).MutateInt64Slot(slotEncodingID, 5))

	d := NewDecoder(&sliceSource{msgs: []*flight.FlightData{sc}}, schema)
	assert.False(t, d.Next())
	require.ErrorIs(t, d.Err(), ErrSchemaMismatch)
	assert.ErrorContains(t, d.Err(), "dictionaries [5]")

	// The unmodified schema message conforms.
	d = NewDecoder(&sliceSource{msgs: msgs[:1]}, schema)
	assert.False(t, d.Next())
	require.NoError(t, d.Err())
}

func TestDecoderMessageFraming(t *testing.T) {
	t.Run("metadata version", func(t *testing.T) {
		msgs := datasetMessages(t, conformance.DatasetReadings)
		old := cloneMessage(msgs[0])
		msg, _ := headerTables(t, old.DataHeader)
		require.True(t, msg.MutateInt16Slot(slotMessageVersion, 2))
		msgs[0] = old

		d := NewDecoder(&sliceSource{msgs: msgs}, resolve(t, conformance.ReadingsSchema))
		assert.False(t, d.Next())
		require.ErrorIs(t, d.Err(), ErrFrameDecode)
		assert.ErrorContains(t, d.Err(), "V4")
	})
	t.Run("short body", func(t *testing.T) {
		msgs := datasetMessages(t, conformance.DatasetReadings)
		for i, m := range msgs {
			if conformance.MessageType(m) == ipc.MessageRecordBatch {
				require.NotEmpty(t, m.DataBody)
				msgs[i] = &flight.FlightData{DataHeader: m.DataHeader, DataBody: m.DataBody[:len(m.DataBody)/2]}
				break
			}
		}

		d := NewDecoder(&sliceSource{msgs: msgs}, resolve(t, conformance.ReadingsSchema))
		assert.False(t, d.Next())
		require.ErrorIs(t, d.Err(), ErrFrameDecode)
		assert.ErrorContains(t, d.Err(), "byte body")
		assert.Zero(t, d.Statistics().RecordBatches)
	})
}

func TestDecoderDictionaryIndexOutOfRange(t *testing.T) {
	mem := memory.NewGoAllocator()
	wide, err := conformance.EncodeBatches(mem, conformance.ColorsSchema, []arrow.RecordBatch{
		conformance.ColorsBatch(mem, []int64{1}, []string{"red", "green", "blue"}, []int16{2}),
	})
	require.NoError(t, err)
	narrow, err := conformance.EncodeBatches(mem, conformance.ColorsSchema, []arrow.RecordBatch{
		conformance.ColorsBatch(mem, []int64{1}, []string{"red"}, []int16{0}),
	})
	require.NoError(t, err)

	// Index 2 against a one-value dictionary.
	msgs := []*flight.FlightData{
		firstOfType(t, wide, ipc.MessageSchema),
		firstOfType(t, narrow, ipc.MessageDictionaryBatch),
		firstOfType(t, wide, ipc.MessageRecordBatch),
	}
	d := NewDecoder(&sliceSource{msgs: msgs}, resolve(t, conformance.ColorsSchema))
	assert.False(t, d.Next())
	require.ErrorIs(t, d.Err(), ErrFrameDecode)
	assert.ErrorContains(t, d.Err(), "index 2 outside 1 values")
	assert.Nil(t, d.RecordBatch())
	assert.Zero(t, d.Statistics().RecordBatches)
}

func TestDecoderDataBeforeSchema(t *testing.T) {
	msgs := withoutType(datasetMessages(t, conformance.DatasetReadings), ipc.MessageSchema)
	d := NewDecoder(&sliceSource{msgs: msgs}, nil)
	assert.False(t, d.Next())
	require.ErrorIs(t, d.Err(), ErrSchemaDecode)
}

func TestDecoderTransportFailure(t *testing.T) {
	msgs := datasetMessages(t, conformance.DatasetReadings)
	src := &sliceSource{msgs: msgs[:2], err: status.Error(codes.Unavailable, "connection reset")}
	d := NewDecoder(src, resolve(t, conformance.ReadingsSchema))

	require.True(t, d.Next())
	assert.Equal(t, int64(5000), d.RecordBatch().NumRows())
	assert.False(t, d.Next())
	require.ErrorIs(t, d.Err(), ErrTransport)
	assert.Nil(t, d.RecordBatch())
}

func TestDecoderClose(t *testing.T) {
	d := NewDecoder(&sliceSource{msgs: datasetMessages(t, conformance.DatasetColors)}, resolve(t, conformance.ColorsSchema))
	require.True(t, d.Next())
	assert.Equal(t, StateStreaming, d.State())
	assert.Equal(t, 1, d.Dictionaries().Len())

	d.Close()
	assert.Equal(t, StateClosed, d.State())
	assert.Zero(t, d.Dictionaries().Len())
	assert.False(t, d.Next())
	assert.NoError(t, d.Err())
}

func TestDecoderStateString(t *testing.T) {
	assert.Equal(t, "awaiting_schema", StateAwaitingSchema.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.True(t, errors.Is(missingDictionary(3), ErrMissingDictionary))
}
