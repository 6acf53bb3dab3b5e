// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"fmt"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DictionaryTable maps dictionary ids to the latest dictionary values seen
// on one stream. It is owned by a single Decoder and is not safe for
// concurrent use.
type DictionaryTable struct {
	mem     memory.Allocator
	entries map[int64]arrow.Array
}

func NewDictionaryTable(mem memory.Allocator) *DictionaryTable {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &DictionaryTable{mem: mem, entries: make(map[int64]arrow.Array)}
}

// Put stores values under id, replacing any previous entry. The table
// takes its own reference.
func (t *DictionaryTable) Put(id int64, values arrow.Array) {
	values.Retain()
	if prev, ok := t.entries[id]; ok {
		prev.Release()
	}
	t.entries[id] = values
}

// Append extends the entry for id with delta. An id with no entry yet is
// stored as if by Put; the returned bool reports whether an entry existed.
func (t *DictionaryTable) Append(id int64, delta arrow.Array) (bool, error) {
	prev, ok := t.entries[id]
	if !ok {
		t.Put(id, delta)
		return false, nil
	}
	if !arrow.TypeEqual(prev.DataType(), delta.DataType()) {
		return true, fmt.Errorf("delta for dictionary %d has type %s, entry has %s", id, delta.DataType(), prev.DataType())
	}
	merged, err := array.Concatenate([]arrow.Array{prev, delta}, t.mem)
	if err != nil {
		return true, fmt.Errorf("append delta to dictionary %d: %w", id, err)
	}
	prev.Release()
	t.entries[id] = merged
	return true, nil
}

// Lookup returns the latest values for id. The array stays valid until the
// entry is replaced or the table released; Retain it to keep it longer.
func (t *DictionaryTable) Lookup(id int64) (arrow.Array, bool) {
	v, ok := t.entries[id]
	return v, ok
}

func (t *DictionaryTable) Len() int { return len(t.entries) }

// IDs returns the ids with an entry, ascending.
func (t *DictionaryTable) IDs() []int64 {
	ids := make([]int64, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Release drops every entry.
func (t *DictionaryTable) Release() {
	for id, v := range t.entries {
		v.Release()
		delete(t.entries, id)
	}
}
