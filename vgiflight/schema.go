// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Schema is a dataset schema resolved once per stream and shared by every
// batch the stream yields. It is immutable.
type Schema struct {
	arrow *arrow.Schema

	// physical replaces every dictionary-encoded type with its index type,
	// so record bodies decode without dictionary state.
	physical     *arrow.Schema
	physicalMeta []byte

	columns      []columnPlan
	nodeCount    int
	dictionaries map[int64]*dictionaryPlan
}

type columnPlan struct {
	// dictIDs lists the dictionary ids this column references, depth first.
	dictIDs   []int64
	firstNode int
}

type dictionaryPlan struct {
	id        int64
	valueType arrow.DataType
	// valueMeta is a one-column schema message header for the values.
	valueMeta []byte
}

// ResolveSchema decodes the IPC-encapsulated schema bytes a server sends
// with dataset metadata.
func ResolveSchema(raw []byte, mem memory.Allocator) (*Schema, error) {
	if len(raw) == 0 {
		return nil, newError(KindSchemaDecode, nil, "no schema bytes")
	}
	meta, err := unframeMessage(raw)
	if err != nil {
		return nil, newError(KindSchemaDecode, err, "schema framing")
	}
	return schemaFromMeta(meta, mem)
}

func schemaFromMeta(meta []byte, mem memory.Allocator) (*Schema, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	sc, err := decodeArrowSchema(meta, mem)
	if err != nil {
		return nil, newError(KindSchemaDecode, err, "decode schema")
	}
	if sc.NumFields() == 0 {
		return nil, newError(KindSchemaDecode, nil, "schema has no columns")
	}
	encodings, err := schemaDictionaries(meta)
	if err != nil {
		return nil, newError(KindSchemaDecode, err, "read dictionary encodings")
	}
	if len(encodings) != sc.NumFields() {
		return nil, newError(KindSchemaDecode, nil, "schema header lists %d fields, decoded %d", len(encodings), sc.NumFields())
	}

	s := &Schema{
		arrow:        sc,
		columns:      make([]columnPlan, sc.NumFields()),
		dictionaries: make(map[int64]*dictionaryPlan),
	}
	physical := make([]arrow.Field, sc.NumFields())
	for i, f := range sc.Fields() {
		s.columns[i].firstNode = s.nodeCount
		s.nodeCount += countNodes(f.Type)
		pt, err := s.plan(f.Type, encodings[i], &s.columns[i].dictIDs, mem)
		if err != nil {
			return nil, newError(KindSchemaDecode, err, "column %d (%s)", i, f.Name)
		}
		physical[i] = arrow.Field{Name: f.Name, Type: pt, Nullable: f.Nullable, Metadata: f.Metadata}
	}
	s.physical = arrow.NewSchema(physical, nil)
	if s.physicalMeta, err = schemaHeader(s.physical, mem); err != nil {
		return nil, newError(KindSchemaDecode, err, "encode physical schema")
	}
	return s, nil
}

// plan registers the dictionaries under dt and returns dt with every
// dictionary type replaced by its index type.
func (s *Schema) plan(dt arrow.DataType, enc fieldDictionaries, ids *[]int64, mem memory.Allocator) (arrow.DataType, error) {
	dict, isDict := dt.(*arrow.DictionaryType)
	if enc.encoded != isDict {
		return nil, fmt.Errorf("dictionary encoding does not match type %s", dt)
	}
	if isDict {
		if containsDictionary(dict.ValueType) || anyEncoded(enc.children) {
			return nil, fmt.Errorf("dictionary %d has dictionary-encoded values", enc.id)
		}
		if prev, ok := s.dictionaries[enc.id]; ok {
			if !arrow.TypeEqual(prev.valueType, dict.ValueType) {
				return nil, fmt.Errorf("dictionary %d used with value types %s and %s", enc.id, prev.valueType, dict.ValueType)
			}
		} else {
			values := arrow.NewSchema([]arrow.Field{{Name: "values", Type: dict.ValueType, Nullable: true}}, nil)
			meta, err := schemaHeader(values, mem)
			if err != nil {
				return nil, err
			}
			s.dictionaries[enc.id] = &dictionaryPlan{id: enc.id, valueType: dict.ValueType, valueMeta: meta}
		}
		*ids = append(*ids, enc.id)
		return dict.IndexType, nil
	}
	if !anyEncoded(enc.children) {
		return dt, nil
	}

	switch t := dt.(type) {
	case *arrow.StructType:
		if len(enc.children) != t.NumFields() {
			return nil, fmt.Errorf("struct has %d fields, header lists %d", t.NumFields(), len(enc.children))
		}
		fields := make([]arrow.Field, t.NumFields())
		for i, f := range t.Fields() {
			pt, err := s.plan(f.Type, enc.children[i], ids, mem)
			if err != nil {
				return nil, err
			}
			fields[i] = arrow.Field{Name: f.Name, Type: pt, Nullable: f.Nullable, Metadata: f.Metadata}
		}
		return arrow.StructOf(fields...), nil
	case *arrow.ListType:
		f, err := s.planElem(t.ElemField(), enc, ids, mem)
		if err != nil {
			return nil, err
		}
		return arrow.ListOfField(f), nil
	case *arrow.LargeListType:
		f, err := s.planElem(t.ElemField(), enc, ids, mem)
		if err != nil {
			return nil, err
		}
		return arrow.LargeListOfField(f), nil
	case *arrow.FixedSizeListType:
		f, err := s.planElem(t.ElemField(), enc, ids, mem)
		if err != nil {
			return nil, err
		}
		return arrow.FixedSizeListOfField(t.Len(), f), nil
	default:
		return nil, fmt.Errorf("dictionary-encoded children under %s are not supported", dt)
	}
}

func (s *Schema) planElem(elem arrow.Field, enc fieldDictionaries, ids *[]int64, mem memory.Allocator) (arrow.Field, error) {
	if len(enc.children) != 1 {
		return arrow.Field{}, fmt.Errorf("list header lists %d children", len(enc.children))
	}
	pt, err := s.plan(elem.Type, enc.children[0], ids, mem)
	if err != nil {
		return arrow.Field{}, err
	}
	return arrow.Field{Name: elem.Name, Type: pt, Nullable: elem.Nullable, Metadata: elem.Metadata}, nil
}

// Arrow returns the schema instance every yielded batch points at.
func (s *Schema) Arrow() *arrow.Schema { return s.arrow }

func (s *Schema) NumColumns() int { return s.arrow.NumFields() }

// DictionaryIDs returns the dictionary ids the schema declares, ascending.
func (s *Schema) DictionaryIDs() []int64 {
	ids := make([]int64, 0, len(s.dictionaries))
	for id := range s.dictionaries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Schema) String() string { return s.arrow.String() }

// conform checks an in-stream schema column for column against s. encodings
// are the dictionary encodings read from the same schema header.
func (s *Schema) conform(other *arrow.Schema, encodings []fieldDictionaries) error {
	if other.NumFields() != s.arrow.NumFields() {
		return newError(KindSchemaMismatch, nil, "stream schema has %d columns, expected %d", other.NumFields(), s.arrow.NumFields())
	}
	for i, want := range s.arrow.Fields() {
		got := other.Field(i)
		switch {
		case got.Name != want.Name:
			return newError(KindSchemaMismatch, nil, "column %d is named %q, expected %q", i, got.Name, want.Name)
		case !arrow.TypeEqual(got.Type, want.Type):
			return newError(KindSchemaMismatch, nil, "column %d (%s) has type %s, expected %s", i, want.Name, got.Type, want.Type)
		case got.Nullable != want.Nullable:
			return newError(KindSchemaMismatch, nil, "column %d (%s) nullability %t, expected %t", i, want.Name, got.Nullable, want.Nullable)
		}
		if i >= len(encodings) {
			continue
		}
		if ids := encodedIDs(encodings[i], nil); !slices.Equal(ids, s.columns[i].dictIDs) {
			return newError(KindSchemaMismatch, nil, "column %d (%s) uses dictionaries %v, expected %v", i, want.Name, ids, s.columns[i].dictIDs)
		}
	}
	return nil
}

// encodedIDs appends the dictionary ids under enc depth first, the order
// plan records them in.
func encodedIDs(enc fieldDictionaries, ids []int64) []int64 {
	if enc.encoded {
		return append(ids, enc.id)
	}
	for _, c := range enc.children {
		ids = encodedIDs(c, ids)
	}
	return ids
}

// countNodes is the number of IPC field nodes a column of type dt occupies.
func countNodes(dt arrow.DataType) int {
	switch t := dt.(type) {
	case *arrow.DictionaryType:
		return 1
	case arrow.ExtensionType:
		return countNodes(t.StorageType())
	case arrow.NestedType:
		n := 1
		for _, f := range t.Fields() {
			n += countNodes(f.Type)
		}
		return n
	default:
		return 1
	}
}

func containsDictionary(dt arrow.DataType) bool {
	switch t := dt.(type) {
	case *arrow.DictionaryType:
		return true
	case arrow.ExtensionType:
		return containsDictionary(t.StorageType())
	case arrow.NestedType:
		for _, f := range t.Fields() {
			if containsDictionary(f.Type) {
				return true
			}
		}
	}
	return false
}

func anyEncoded(fields []fieldDictionaries) bool {
	for _, f := range fields {
		if f.encoded || anyEncoded(f.children) {
			return true
		}
	}
	return false
}

// decodeArrowSchema runs a schema message header through the IPC reader.
func decodeArrowSchema(meta []byte, mem memory.Allocator) (*arrow.Schema, error) {
	r, err := ipc.NewReaderFromMessageReader(newMessageQueue(newMessage(meta, nil)), ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer r.Release()
	return r.Schema(), nil
}

// schemaHeader encodes sc and returns the bare flatbuffer header.
func schemaHeader(sc *arrow.Schema, mem memory.Allocator) ([]byte, error) {
	return unframeMessage(flight.SerializeSchema(sc, mem))
}

// messageQueue feeds pre-built messages to an ipc.Reader. Messages wrap
// Go-owned bytes, so reference counting is a no-op.
type messageQueue struct {
	msgs []*ipc.Message
}

func newMessageQueue(msgs ...*ipc.Message) *messageQueue {
	return &messageQueue{msgs: msgs}
}

func (q *messageQueue) push(m *ipc.Message) { q.msgs = append(q.msgs, m) }

func (q *messageQueue) Message() (*ipc.Message, error) {
	if len(q.msgs) == 0 {
		return nil, io.EOF
	}
	m := q.msgs[0]
	q.msgs[0] = nil
	q.msgs = q.msgs[1:]
	return m, nil
}

func (q *messageQueue) Retain()  {}
func (q *messageQueue) Release() {}

func newMessage(meta, body []byte) *ipc.Message {
	return ipc.NewMessage(memory.NewBufferBytes(meta), memory.NewBufferBytes(body))
}

var errNoBatch = errors.New("reader produced no batch")
