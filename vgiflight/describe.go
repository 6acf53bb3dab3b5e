// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// ColumnInfo summarises one schema column.
type ColumnInfo struct {
	Name       string
	Type       string
	Nullable   bool
	Dictionary bool
	// DictionaryIDs lists the dictionaries the column references.
	DictionaryIDs []int64
}

// Columns describes the schema's columns in order.
func (s *Schema) Columns() []ColumnInfo {
	out := make([]ColumnInfo, s.NumColumns())
	for i, f := range s.arrow.Fields() {
		_, isDict := f.Type.(*arrow.DictionaryType)
		out[i] = ColumnInfo{
			Name:          f.Name,
			Type:          TypeName(f.Type),
			Nullable:      f.Nullable,
			Dictionary:    isDict,
			DictionaryIDs: append([]int64(nil), s.columns[i].dictIDs...),
		}
	}
	return out
}

// TypeName renders a data type compactly for listings.
func TypeName(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.STRING:
		return "string"
	case arrow.LARGE_STRING:
		return "large_string"
	case arrow.INT64:
		return "int64"
	case arrow.INT32:
		return "int32"
	case arrow.FLOAT64:
		return "float64"
	case arrow.FLOAT32:
		return "float32"
	case arrow.BOOL:
		return "bool"
	case arrow.BINARY:
		return "bytes"
	case arrow.LIST:
		return "list<" + TypeName(dt.(*arrow.ListType).Elem()) + ">"
	case arrow.LARGE_LIST:
		return "large_list<" + TypeName(dt.(*arrow.LargeListType).Elem()) + ">"
	case arrow.MAP:
		mt := dt.(*arrow.MapType)
		return "map<" + TypeName(mt.KeyType()) + ", " + TypeName(mt.ItemType()) + ">"
	case arrow.DICTIONARY:
		d := dt.(*arrow.DictionaryType)
		return "dictionary<" + TypeName(d.ValueType) + ", " + TypeName(d.IndexType) + ">"
	case arrow.STRUCT:
		st := dt.(*arrow.StructType)
		s := "struct<"
		for i, f := range st.Fields() {
			if i > 0 {
				s += ", "
			}
			s += f.Name + ": " + TypeName(f.Type)
		}
		return s + ">"
	default:
		return dt.String()
	}
}
