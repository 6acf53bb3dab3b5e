// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DecoderState is the lifecycle position of a Decoder.
type DecoderState int

const (
	StateAwaitingSchema DecoderState = iota
	StateStreaming
	StateClosed
)

func (s DecoderState) String() string {
	switch s {
	case StateAwaitingSchema:
		return "awaiting_schema"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("DecoderState(%d)", int(s))
	}
}

// MessageSource yields stream messages in arrival order. Recv returns
// io.EOF once the stream has ended normally.
type MessageSource interface {
	Recv() (*flight.FlightData, error)
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

func WithAllocator(mem memory.Allocator) DecoderOption {
	return func(d *Decoder) { d.mem = mem }
}

func WithLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) { d.logger = l }
}

// Decoder turns one stream of IPC messages into record batches. It owns the
// stream's dictionary table and is not safe for concurrent use.
//
// Usage follows ipc.Reader: call Next until it returns false, then check
// Err. A nil Err after Next returns false means the stream ended normally.
type Decoder struct {
	src    MessageSource
	schema *Schema
	mem    memory.Allocator
	logger *slog.Logger

	state DecoderState
	dicts *DictionaryTable
	cur   arrow.RecordBatch
	err   error

	// phys decodes record bodies against the physical schema; physQueue
	// hands it one message per Next.
	phys      *ipc.Reader
	physQueue *messageQueue

	stats       StreamStatistics
	appMetadata []byte
}

// NewDecoder returns a decoder reading from src. schema is the schema
// resolved from dataset metadata; when nil, the first in-stream schema
// message supplies it.
func NewDecoder(src MessageSource, schema *Schema, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		src:    src,
		schema: schema,
		mem:    memory.DefaultAllocator,
		logger: slog.Default(),
		state:  StateAwaitingSchema,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.dicts = NewDictionaryTable(d.mem)
	return d
}

// Next advances to the next record batch. The previous batch is released;
// callers that keep a batch past the next call must Retain it.
func (d *Decoder) Next() bool {
	d.releaseCurrent()
	for d.state != StateClosed {
		fd, err := d.src.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.close(nil)
			} else {
				d.close(rpcError("receive stream message", err))
			}
			return false
		}
		rec, err := d.handle(fd)
		if err != nil {
			d.close(err)
			return false
		}
		if rec != nil {
			d.cur = rec
			return true
		}
	}
	return false
}

// RecordBatch returns the batch produced by the last successful Next.
func (d *Decoder) RecordBatch() arrow.RecordBatch { return d.cur }

// Err returns the error that closed the decoder, or nil after a normal end.
func (d *Decoder) Err() error { return d.err }

func (d *Decoder) State() DecoderState { return d.state }

// Schema returns the resolved schema, nil while still awaiting one.
func (d *Decoder) Schema() *Schema { return d.schema }

func (d *Decoder) Statistics() StreamStatistics { return d.stats }

// Dictionaries exposes the decoder's dictionary table for inspection.
func (d *Decoder) Dictionaries() *DictionaryTable { return d.dicts }

// LatestAppMetadata returns the application metadata of the most recent
// message that carried any.
func (d *Decoder) LatestAppMetadata() []byte { return d.appMetadata }

// Close stops decoding and releases everything the decoder holds.
func (d *Decoder) Close() {
	d.releaseCurrent()
	d.close(nil)
}

func (d *Decoder) releaseCurrent() {
	if d.cur != nil {
		d.cur.Release()
		d.cur = nil
	}
}

func (d *Decoder) close(err error) {
	if d.state == StateClosed {
		return
	}
	d.state = StateClosed
	d.err = err
	if d.phys != nil {
		d.phys.Release()
		d.phys = nil
	}
	d.dicts.Release()
	if err != nil {
		d.logger.Debug("stream: decoder closed", "err", err, "messages", d.stats.Messages)
	} else {
		d.logger.Debug("stream: decoder finished", "messages", d.stats.Messages, "batches", d.stats.RecordBatches, "rows", d.stats.Rows)
	}
}

// handle processes one message. It returns a batch only for record batch
// messages; every other kind updates state or is skipped.
func (d *Decoder) handle(fd *flight.FlightData) (arrow.RecordBatch, error) {
	d.stats.Messages++
	if md := fd.GetAppMetadata(); len(md) > 0 {
		d.appMetadata = md
	}
	h, err := parseHeader(fd.GetDataHeader())
	if err != nil {
		return nil, newError(KindFrameDecode, err, "message %d", d.stats.Messages)
	}
	if h.kind != MessageUnsupported {
		if err := h.validate(len(fd.GetDataBody())); err != nil {
			return nil, newError(KindFrameDecode, err, "message %d", d.stats.Messages)
		}
	}
	if d.state == StateAwaitingSchema && d.schema != nil {
		d.state = StateStreaming
	}

	switch h.kind {
	case MessageSchema:
		d.stats.SchemaMessages++
		return nil, d.onSchema(fd.GetDataHeader())
	case MessageDictionaryBatch:
		if d.schema == nil {
			return nil, newError(KindSchemaDecode, nil, "dictionary batch %d arrived before any schema", h.dictionaryID)
		}
		d.stats.DictionaryBatches++
		return nil, d.onDictionary(h, fd)
	case MessageRecordBatch:
		if d.schema == nil {
			return nil, newError(KindSchemaDecode, nil, "record batch arrived before any schema")
		}
		rec, err := d.onRecord(h, fd)
		if err != nil {
			return nil, err
		}
		d.stats.RecordBatch(rec.NumRows(), batchBufferSize(rec))
		return rec, nil
	default:
		d.stats.SkippedMessages++
		d.logger.Debug("stream: skipping unsupported message",
			"header_type", h.headerType, "header_bytes", len(fd.GetDataHeader()), "body_bytes", len(fd.GetDataBody()))
		return nil, nil
	}
}

func (d *Decoder) onSchema(meta []byte) error {
	if d.schema == nil {
		s, err := schemaFromMeta(meta, d.mem)
		if err != nil {
			return err
		}
		d.schema = s
		d.state = StateStreaming
		d.logger.Debug("stream: schema resolved from stream", "columns", s.NumColumns())
		return nil
	}
	sc, err := decodeArrowSchema(meta, d.mem)
	if err != nil {
		return newError(KindFrameDecode, err, "decode in-stream schema")
	}
	encodings, err := schemaDictionaries(meta)
	if err != nil {
		return newError(KindFrameDecode, err, "in-stream schema dictionaries")
	}
	return d.schema.conform(sc, encodings)
}

func (d *Decoder) onDictionary(h messageHeader, fd *flight.FlightData) error {
	plan, ok := d.schema.dictionaries[h.dictionaryID]
	if !ok {
		return newError(KindSchemaMismatch, nil, "dictionary batch for id %d, schema declares %v", h.dictionaryID, d.schema.DictionaryIDs())
	}
	values, err := d.decodeDictionary(plan, h, fd)
	if err != nil {
		return newError(KindFrameDecode, err, "dictionary batch %d", h.dictionaryID)
	}
	defer values.Release()

	if !h.isDelta {
		d.dicts.Put(h.dictionaryID, values)
		d.logger.Debug("stream: dictionary stored", "id", h.dictionaryID, "values", values.Len())
		return nil
	}
	existed, err := d.dicts.Append(h.dictionaryID, values)
	if err != nil {
		return newError(KindFrameDecode, err, "dictionary delta %d", h.dictionaryID)
	}
	if !existed {
		d.logger.Debug("stream: delta for absent dictionary stored as new", "id", h.dictionaryID)
	}
	return nil
}

// decodeDictionary decodes the values of a dictionary batch by presenting
// its wrapped record batch to an IPC reader against a one-column schema.
func (d *Decoder) decodeDictionary(plan *dictionaryPlan, h messageHeader, fd *flight.FlightData) (arrow.Array, error) {
	meta, err := retagDictionary(fd.GetDataHeader(), h)
	if err != nil {
		return nil, err
	}
	r, err := ipc.NewReaderFromMessageReader(
		newMessageQueue(newMessage(plan.valueMeta, nil), newMessage(meta, fd.GetDataBody())),
		ipc.WithAllocator(d.mem))
	if err != nil {
		return nil, err
	}
	defer r.Release()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, errNoBatch
	}
	rec := r.RecordBatch()
	if rec.NumCols() != 1 {
		return nil, fmt.Errorf("dictionary decoded to %d columns", rec.NumCols())
	}
	values := rec.Column(0)
	values.Retain()
	return values, nil
}

func (d *Decoder) onRecord(h messageHeader, fd *flight.FlightData) (arrow.RecordBatch, error) {
	s := d.schema
	if len(h.nodes) != s.nodeCount {
		return nil, newError(KindSchemaMismatch, nil, "record batch has %d field nodes, schema needs %d", len(h.nodes), s.nodeCount)
	}
	for i, c := range s.columns {
		if n := h.nodes[c.firstNode].length; n != h.length {
			return nil, newError(KindSchemaMismatch, nil, "column %d (%s) has %d rows, batch declares %d", i, s.arrow.Field(i).Name, n, h.length)
		}
		for _, id := range c.dictIDs {
			if _, ok := d.dicts.Lookup(id); !ok {
				return nil, missingDictionary(id)
			}
		}
	}

	phys, err := d.decodePhysical(fd)
	if err != nil {
		return nil, newError(KindFrameDecode, err, "record batch body")
	}
	defer phys.Release()
	if int(phys.NumCols()) != s.NumColumns() {
		return nil, newError(KindSchemaMismatch, nil, "record batch decoded to %d columns, expected %d", phys.NumCols(), s.NumColumns())
	}

	rows := phys.NumRows()
	cols := make([]arrow.Array, 0, s.NumColumns())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for i, field := range s.arrow.Fields() {
		col := phys.Column(i)
		if len(s.columns[i].dictIDs) == 0 {
			col.Retain()
			cols = append(cols, col)
		} else {
			ids := s.columns[i].dictIDs
			data, err := d.bind(field.Type, col.Data(), &ids)
			if err != nil {
				return nil, err
			}
			cols = append(cols, array.MakeFromData(data))
			data.Release()
		}
		if !arrow.TypeEqual(cols[i].DataType(), field.Type) {
			return nil, newError(KindSchemaMismatch, nil, "column %d (%s) decoded as %s, expected %s", i, field.Name, cols[i].DataType(), field.Type)
		}
	}
	return array.NewRecordBatch(s.arrow, cols, rows), nil
}

// decodePhysical decodes a record batch body against the physical schema.
func (d *Decoder) decodePhysical(fd *flight.FlightData) (arrow.RecordBatch, error) {
	if d.phys == nil {
		d.physQueue = newMessageQueue(newMessage(d.schema.physicalMeta, nil))
		r, err := ipc.NewReaderFromMessageReader(d.physQueue, ipc.WithAllocator(d.mem))
		if err != nil {
			return nil, err
		}
		d.phys = r
	}
	d.physQueue.push(newMessage(fd.GetDataHeader(), fd.GetDataBody()))
	if !d.phys.Next() {
		if err := d.phys.Err(); err != nil {
			return nil, err
		}
		return nil, errNoBatch
	}
	rec := d.phys.RecordBatch()
	rec.Retain()
	return rec, nil
}

// bind rebuilds data as type dt, attaching the current dictionary values
// for every dictionary type it contains. ids is consumed depth first.
func (d *Decoder) bind(dt arrow.DataType, data arrow.ArrayData, ids *[]int64) (arrow.ArrayData, error) {
	if dict, ok := dt.(*arrow.DictionaryType); ok {
		if len(*ids) == 0 {
			return nil, newError(KindSchemaMismatch, nil, "more dictionary columns than declared ids")
		}
		id := (*ids)[0]
		*ids = (*ids)[1:]
		values, ok := d.dicts.Lookup(id)
		if !ok {
			return nil, missingDictionary(id)
		}
		if !arrow.TypeEqual(values.DataType(), dict.ValueType) {
			return nil, newError(KindSchemaMismatch, nil, "dictionary %d holds %s, column expects %s", id, values.DataType(), dict.ValueType)
		}
		bound := array.NewDataWithDictionary(dict, data.Len(), data.Buffers(), data.NullN(), data.Offset(), values.Data().(*array.Data))
		if err := checkIndices(bound, values.Len(), id); err != nil {
			bound.Release()
			return nil, err
		}
		return bound, nil
	}
	if !containsDictionary(dt) {
		data.Retain()
		return data, nil
	}

	nested, ok := dt.(arrow.NestedType)
	if !ok {
		return nil, newError(KindSchemaMismatch, nil, "cannot bind dictionaries under %s", dt)
	}
	fields := nested.Fields()
	src := data.Children()
	if len(src) != len(fields) {
		return nil, newError(KindSchemaMismatch, nil, "%s has %d children, decoded %d", dt, len(fields), len(src))
	}
	children := make([]arrow.ArrayData, 0, len(fields))
	defer func() {
		for _, c := range children {
			c.Release()
		}
	}()
	for i, f := range fields {
		child, err := d.bind(f.Type, src[i], ids)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return array.NewData(dt, data.Len(), data.Buffers(), children, data.NullN(), data.Offset()), nil
}

// checkIndices rejects a non-null index that points outside the n values of
// dictionary id.
func checkIndices(data arrow.ArrayData, n int, id int64) error {
	arr := array.NewDictionaryData(data)
	defer arr.Release()
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			continue
		}
		if k := arr.GetValueIndex(i); k < 0 || k >= n {
			return newError(KindFrameDecode, nil, "dictionary %d: row %d has index %d outside %d values", id, i, k, n)
		}
	}
	return nil
}
