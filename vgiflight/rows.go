// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

var timeType = reflect.TypeOf(time.Time{})

// fieldBinding ties a struct field to a column.
type fieldBinding struct {
	field  int
	column int
}

// ScanRows decodes every row of batch into a T. Struct fields are matched
// to columns by their `arrow:"name"` tag, or by field name when untagged;
// untagged fields without a column are left zero. Pointer fields receive
// nil for null values. Dictionary columns decode to their values.
func ScanRows[T any](batch arrow.RecordBatch) ([]T, error) {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("scan rows: %s is not a struct", rt)
	}
	bindings, err := bindFields(rt, batch.Schema())
	if err != nil {
		return nil, err
	}
	out := make([]T, batch.NumRows())
	for row := range out {
		rv := reflect.ValueOf(&out[row]).Elem()
		for _, b := range bindings {
			col := batch.Column(b.column)
			if err := setFieldFromArrow(rv.Field(b.field), col, row); err != nil {
				return nil, fmt.Errorf("scan rows: row %d column %q: %w", row, batch.Schema().Field(b.column).Name, err)
			}
		}
	}
	return out, nil
}

func bindFields(rt reflect.Type, schema *arrow.Schema) ([]fieldBinding, error) {
	var out []fieldBinding
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		name, tagged := arrowName(sf)
		if name == "-" {
			continue
		}
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			if tagged {
				return nil, fmt.Errorf("scan rows: no column %q for field %s", name, sf.Name)
			}
			continue
		}
		out = append(out, fieldBinding{field: i, column: idx[0]})
	}
	return out, nil
}

func arrowName(sf reflect.StructField) (string, bool) {
	tag, ok := sf.Tag.Lookup("arrow")
	if !ok {
		return sf.Name, false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return sf.Name, true
	}
	return name, true
}

// setFieldFromArrow stores col[idx] into field.
func setFieldFromArrow(field reflect.Value, col arrow.Array, idx int) error {
	if col.IsNull(idx) {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		if err := setFieldFromArrow(ptr.Elem(), col, idx); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}

	switch c := col.(type) {
	case *array.Dictionary:
		return setFieldFromArrow(field, c.Dictionary(), c.GetValueIndex(idx))
	case *array.String:
		return setStringField(field, c.Value(idx))
	case *array.LargeString:
		return setStringField(field, c.Value(idx))
	case *array.Binary:
		return setBytesField(field, c.Value(idx))
	case *array.Boolean:
		if field.Kind() != reflect.Bool {
			return kindError(field, col)
		}
		field.SetBool(c.Value(idx))
	case *array.Int8:
		return setIntField(field, int64(c.Value(idx)))
	case *array.Int16:
		return setIntField(field, int64(c.Value(idx)))
	case *array.Int32:
		return setIntField(field, int64(c.Value(idx)))
	case *array.Int64:
		return setIntField(field, c.Value(idx))
	case *array.Uint8:
		return setIntField(field, int64(c.Value(idx)))
	case *array.Uint16:
		return setIntField(field, int64(c.Value(idx)))
	case *array.Uint32:
		return setIntField(field, int64(c.Value(idx)))
	case *array.Float32:
		return setFloatField(field, float64(c.Value(idx)))
	case *array.Float64:
		return setFloatField(field, c.Value(idx))
	case *array.Timestamp:
		if field.Type() != timeType {
			return kindError(field, col)
		}
		unit := c.DataType().(*arrow.TimestampType).Unit
		field.Set(reflect.ValueOf(c.Value(idx).ToTime(unit)))
	case *array.List:
		return setListField(field, c, idx)
	case *array.Struct:
		return setStructField(field, c, idx)
	default:
		return fmt.Errorf("unsupported Arrow array type: %T", col)
	}
	return nil
}

func setStringField(field reflect.Value, val string) error {
	if field.Kind() != reflect.String {
		return fmt.Errorf("cannot store string in %s", field.Type())
	}
	field.SetString(val)
	return nil
}

func setBytesField(field reflect.Value, val []byte) error {
	switch {
	case field.Kind() == reflect.String:
		field.SetString(string(val))
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Uint8:
		field.SetBytes(append([]byte(nil), val...))
	default:
		return fmt.Errorf("cannot store bytes in %s", field.Type())
	}
	return nil
}

func setIntField(field reflect.Value, val int64) error {
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.OverflowInt(val) {
			return fmt.Errorf("%d overflows %s", val, field.Type())
		}
		field.SetInt(val)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if val < 0 || field.OverflowUint(uint64(val)) {
			return fmt.Errorf("%d overflows %s", val, field.Type())
		}
		field.SetUint(uint64(val))
	case reflect.Float32, reflect.Float64:
		field.SetFloat(float64(val))
	default:
		return fmt.Errorf("cannot store integer in %s", field.Type())
	}
	return nil
}

func setFloatField(field reflect.Value, val float64) error {
	switch field.Kind() {
	case reflect.Float32, reflect.Float64:
		field.SetFloat(val)
	default:
		return fmt.Errorf("cannot store float in %s", field.Type())
	}
	return nil
}

func setListField(field reflect.Value, listArr *array.List, idx int) error {
	if field.Kind() != reflect.Slice {
		return kindError(field, listArr)
	}
	start, end := listArr.ValueOffsets(idx)
	values := listArr.ListValues()
	n := int(end - start)
	slice := reflect.MakeSlice(field.Type(), n, n)
	for i := 0; i < n; i++ {
		if err := setFieldFromArrow(slice.Index(i), values, int(start)+i); err != nil {
			return err
		}
	}
	field.Set(slice)
	return nil
}

func setStructField(field reflect.Value, structArr *array.Struct, idx int) error {
	if field.Kind() != reflect.Struct {
		return kindError(field, structArr)
	}
	st := structArr.DataType().(*arrow.StructType)
	ft := field.Type()
	for i := 0; i < ft.NumField(); i++ {
		sf := ft.Field(i)
		if !sf.IsExported() {
			continue
		}
		name, _ := arrowName(sf)
		child, ok := st.FieldIdx(name)
		if !ok {
			continue
		}
		if err := setFieldFromArrow(field.Field(i), structArr.Field(child), idx); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

func kindError(field reflect.Value, col arrow.Array) error {
	return fmt.Errorf("cannot store %s in %s", col.DataType(), field.Type())
}
