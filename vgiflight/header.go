// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	flatbuffers "github.com/google/flatbuffers/go"
)

// MessageKind classifies a stream message by its IPC header.
type MessageKind int

const (
	MessageUnsupported MessageKind = iota
	MessageSchema
	MessageDictionaryBatch
	MessageRecordBatch
)

func (k MessageKind) String() string {
	switch k {
	case MessageSchema:
		return "schema"
	case MessageDictionaryBatch:
		return "dictionary_batch"
	case MessageRecordBatch:
		return "record_batch"
	default:
		return "unsupported"
	}
}

// MessageHeader union tags from Message.fbs.
const (
	fbHeaderNone            byte = 0
	fbHeaderSchema          byte = 1
	fbHeaderDictionaryBatch byte = 2
	fbHeaderRecordBatch     byte = 3
)

// vtable slots, as byte offsets into the vtable.
const (
	// Message
	slotMessageVersion    flatbuffers.VOffsetT = 4
	slotMessageHeaderType flatbuffers.VOffsetT = 6
	slotMessageHeader     flatbuffers.VOffsetT = 8
	slotMessageBodyLength flatbuffers.VOffsetT = 10

	// DictionaryBatch
	slotDictionaryID      flatbuffers.VOffsetT = 4
	slotDictionaryData    flatbuffers.VOffsetT = 6
	slotDictionaryIsDelta flatbuffers.VOffsetT = 8

	// RecordBatch
	slotRecordLength flatbuffers.VOffsetT = 4
	slotRecordNodes  flatbuffers.VOffsetT = 6

	// Schema
	slotSchemaFields flatbuffers.VOffsetT = 6

	// Field
	slotFieldDictionary flatbuffers.VOffsetT = 12
	slotFieldChildren   flatbuffers.VOffsetT = 14

	// DictionaryEncoding
	slotEncodingID flatbuffers.VOffsetT = 4
)

const (
	fieldNodeSize     = 16
	continuationToken = 0xFFFFFFFF
	maxFieldDepth     = 64
)

// fieldNode mirrors the FieldNode struct of a RecordBatch header.
type fieldNode struct {
	length    int64
	nullCount int64
}

// messageHeader holds the header fields the decoder acts on.
type messageHeader struct {
	kind       MessageKind
	headerType byte
	version    int16
	bodyLength int64

	// RecordBatch, or the RecordBatch wrapped by a DictionaryBatch.
	length int64
	nodes  []fieldNode

	dictionaryID int64
	isDelta      bool

	// Absolute buffer positions used to re-tag dictionary batches.
	headerTypePos flatbuffers.UOffsetT
	headerPos     flatbuffers.UOffsetT
	dataPos       flatbuffers.UOffsetT
}

// metadataV4 is the oldest MetadataVersion the decoder accepts. V4 introduced
// the union layout and 8-byte aligned buffers that decoding relies on.
const metadataV4 int16 = 3

// validate checks the Message fields shared by every supported kind against
// the body that arrived with it.
func (h messageHeader) validate(body int) error {
	if h.version < metadataV4 {
		return fmt.Errorf("metadata version V%d predates V4", h.version+1)
	}
	if h.bodyLength < 0 || int64(body) < h.bodyLength {
		return fmt.Errorf("header declares a %d byte body, got %d", h.bodyLength, body)
	}
	return nil
}

// parseHeader reads the flatbuffer Message in buf. An empty buf is a
// metadata-only message and classifies as unsupported.
func parseHeader(buf []byte) (h messageHeader, err error) {
	if len(buf) == 0 {
		return messageHeader{kind: MessageUnsupported}, nil
	}
	if len(buf) < 8 {
		return h, fmt.Errorf("message header is %d bytes", len(buf))
	}
	defer func() {
		if rv := recover(); rv != nil {
			h = messageHeader{}
			err = fmt.Errorf("malformed message header: %v", rv)
		}
	}()

	msg, err := rootTable(buf)
	if err != nil {
		return h, err
	}
	if o := msg.Offset(slotMessageVersion); o != 0 {
		h.version = msg.GetInt16(flatbuffers.UOffsetT(o) + msg.Pos)
	}
	if o := msg.Offset(slotMessageBodyLength); o != 0 {
		h.bodyLength = msg.GetInt64(flatbuffers.UOffsetT(o) + msg.Pos)
	}
	if o := msg.Offset(slotMessageHeaderType); o != 0 {
		h.headerTypePos = flatbuffers.UOffsetT(o) + msg.Pos
		h.headerType = msg.GetByte(h.headerTypePos)
	}

	switch h.headerType {
	case fbHeaderSchema:
		h.kind = MessageSchema
	case fbHeaderDictionaryBatch:
		h.kind = MessageDictionaryBatch
	case fbHeaderRecordBatch:
		h.kind = MessageRecordBatch
	default:
		h.kind = MessageUnsupported
		return h, nil
	}

	o := msg.Offset(slotMessageHeader)
	if o == 0 {
		return h, fmt.Errorf("%s message has no header table", h.kind)
	}
	h.headerPos = flatbuffers.UOffsetT(o) + msg.Pos
	hdr := &flatbuffers.Table{Bytes: buf, Pos: msg.Indirect(h.headerPos)}

	switch h.kind {
	case MessageDictionaryBatch:
		if o := hdr.Offset(slotDictionaryID); o != 0 {
			h.dictionaryID = hdr.GetInt64(flatbuffers.UOffsetT(o) + hdr.Pos)
		}
		if o := hdr.Offset(slotDictionaryIsDelta); o != 0 {
			h.isDelta = hdr.GetBool(flatbuffers.UOffsetT(o) + hdr.Pos)
		}
		o := hdr.Offset(slotDictionaryData)
		if o == 0 {
			return h, fmt.Errorf("dictionary batch %d has no data", h.dictionaryID)
		}
		h.dataPos = hdr.Indirect(flatbuffers.UOffsetT(o) + hdr.Pos)
		if err := readRecordHeader(&flatbuffers.Table{Bytes: buf, Pos: h.dataPos}, &h); err != nil {
			return h, err
		}
	case MessageRecordBatch:
		if err := readRecordHeader(hdr, &h); err != nil {
			return h, err
		}
	}
	return h, nil
}

func readRecordHeader(rb *flatbuffers.Table, h *messageHeader) error {
	if o := rb.Offset(slotRecordLength); o != 0 {
		h.length = rb.GetInt64(flatbuffers.UOffsetT(o) + rb.Pos)
	}
	if h.length < 0 {
		return fmt.Errorf("negative batch length %d", h.length)
	}
	o := rb.Offset(slotRecordNodes)
	if o == 0 {
		return nil
	}
	n := rb.VectorLen(flatbuffers.UOffsetT(o))
	start := rb.Vector(flatbuffers.UOffsetT(o))
	if n < 0 || int(start)+n*fieldNodeSize > len(rb.Bytes) {
		return fmt.Errorf("field node vector of %d entries overruns header", n)
	}
	h.nodes = make([]fieldNode, n)
	for i := range h.nodes {
		pos := start + flatbuffers.UOffsetT(i*fieldNodeSize)
		h.nodes[i] = fieldNode{
			length:    rb.GetInt64(pos),
			nullCount: rb.GetInt64(pos + 8),
		}
	}
	return nil
}

func rootTable(buf []byte) (*flatbuffers.Table, error) {
	root := flatbuffers.GetUOffsetT(buf)
	if int(root)+4 > len(buf) {
		return nil, fmt.Errorf("root offset %d outside %d-byte header", root, len(buf))
	}
	t := &flatbuffers.Table{Bytes: buf, Pos: root}
	vt := int(t.Pos) - int(t.GetSOffsetT(t.Pos))
	if vt < 0 || vt+4 > len(buf) {
		return nil, fmt.Errorf("vtable offset %d outside %d-byte header", vt, len(buf))
	}
	return t, nil
}

// retagDictionary returns a copy of a DictionaryBatch header rewritten so
// that it reads as the RecordBatch it wraps. The body is unchanged, so the
// copy decodes as a one-column batch holding the dictionary values.
func retagDictionary(meta []byte, h messageHeader) ([]byte, error) {
	if h.kind != MessageDictionaryBatch || h.headerTypePos == 0 || h.headerPos == 0 {
		return nil, errors.New("not a dictionary batch header")
	}
	if h.dataPos <= h.headerPos {
		return nil, fmt.Errorf("dictionary data at %d precedes header field at %d", h.dataPos, h.headerPos)
	}
	out := slices.Clone(meta)
	out[h.headerTypePos] = fbHeaderRecordBatch
	flatbuffers.WriteUOffsetT(out[h.headerPos:], h.dataPos-h.headerPos)
	return out, nil
}

// fieldDictionaries describes where dictionary encodings sit in a schema
// message: one entry per field, children in order.
type fieldDictionaries struct {
	encoded  bool
	id       int64
	children []fieldDictionaries
}

// schemaDictionaries walks the fields of a Schema message header.
func schemaDictionaries(meta []byte) (fields []fieldDictionaries, err error) {
	if len(meta) < 8 {
		return nil, fmt.Errorf("schema header is %d bytes", len(meta))
	}
	defer func() {
		if rv := recover(); rv != nil {
			fields = nil
			err = fmt.Errorf("malformed schema header: %v", rv)
		}
	}()
	msg, err := rootTable(meta)
	if err != nil {
		return nil, err
	}
	o := msg.Offset(slotMessageHeaderType)
	if o == 0 || msg.GetByte(flatbuffers.UOffsetT(o)+msg.Pos) != fbHeaderSchema {
		return nil, errors.New("message is not a schema")
	}
	o = msg.Offset(slotMessageHeader)
	if o == 0 {
		return nil, errors.New("schema message has no header table")
	}
	schema := &flatbuffers.Table{Bytes: meta, Pos: msg.Indirect(flatbuffers.UOffsetT(o) + msg.Pos)}
	return fieldVector(schema, slotSchemaFields, 0)
}

func fieldVector(t *flatbuffers.Table, slot flatbuffers.VOffsetT, depth int) ([]fieldDictionaries, error) {
	if depth > maxFieldDepth {
		return nil, fmt.Errorf("fields nested deeper than %d", maxFieldDepth)
	}
	o := t.Offset(slot)
	if o == 0 {
		return nil, nil
	}
	n := t.VectorLen(flatbuffers.UOffsetT(o))
	start := t.Vector(flatbuffers.UOffsetT(o))
	if n < 0 || int(start)+n*flatbuffers.SizeUOffsetT > len(t.Bytes) {
		return nil, fmt.Errorf("field vector of %d entries overruns header", n)
	}
	out := make([]fieldDictionaries, n)
	for i := range out {
		f := &flatbuffers.Table{Bytes: t.Bytes, Pos: t.Indirect(start + flatbuffers.UOffsetT(i*flatbuffers.SizeUOffsetT))}
		if o := f.Offset(slotFieldDictionary); o != 0 {
			enc := &flatbuffers.Table{Bytes: t.Bytes, Pos: f.Indirect(flatbuffers.UOffsetT(o) + f.Pos)}
			out[i].encoded = true
			if o := enc.Offset(slotEncodingID); o != 0 {
				out[i].id = enc.GetInt64(flatbuffers.UOffsetT(o) + enc.Pos)
			}
		}
		children, err := fieldVector(f, slotFieldChildren, depth+1)
		if err != nil {
			return nil, err
		}
		out[i].children = children
	}
	return out, nil
}

// unframeMessage strips the encapsulation prefix (optional continuation
// token, then a little-endian int32 length) from a single IPC message.
func unframeMessage(b []byte) ([]byte, error) {
	if len(b) >= 4 && binary.LittleEndian.Uint32(b) == continuationToken {
		b = b[4:]
	}
	if len(b) < 4 {
		return nil, errors.New("truncated message length prefix")
	}
	n := int32(binary.LittleEndian.Uint32(b))
	if n <= 0 || int(n) > len(b)-4 {
		return nil, fmt.Errorf("message length %d does not fit %d available bytes", n, len(b)-4)
	}
	return b[4 : 4+n], nil
}
