package backend

import (
	"bytes"
	"cmp"
	"encoding"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// Normalize converts v into the canonical Go representation of a column of
// type ct: string, int64, float64, bool, time.Time (UTC) or []byte. Nil and
// nil pointers normalize to nil (NULL).
func Normalize(ct ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if !rv.CanInterface() {
		return nil, fmt.Errorf("cannot use unexported value of type %v as %v", rv.Type(), ct)
	}

	switch ct {
	case String:
		if rv.Kind() == reflect.String {
			return rv.String(), nil
		}
		if tm, ok := rv.Interface().(encoding.TextMarshaler); ok {
			raw, err := tm.MarshalText()
			if err != nil {
				return nil, fmt.Errorf("cannot use %v as %v: %w", rv.Type(), ct, err)
			}
			return string(raw), nil
		}
	case Int:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int(), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			u := rv.Uint()
			if u > math.MaxInt64 {
				return nil, fmt.Errorf("value %d overflows %v", u, ct)
			}
			return int64(u), nil
		}
	case Float:
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			return rv.Float(), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return float64(rv.Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return float64(rv.Uint()), nil
		}
	case Bool:
		if rv.Kind() == reflect.Bool {
			return rv.Bool(), nil
		}
	case Time:
		if rv.Type().ConvertibleTo(timeType) {
			return rv.Convert(timeType).Interface().(time.Time).UTC(), nil
		}
	case Bytes:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return bytes.Clone(rv.Bytes()), nil
		}
		if rv.Kind() == reflect.String {
			return []byte(rv.String()), nil
		}
	default:
		return nil, fmt.Errorf("invalid column type %v", ct)
	}
	return nil, fmt.Errorf("cannot use %v as %v", rv.Type(), ct)
}

// CompareValues orders two normalized values of the same column type. The
// second result is false when the values are NULL or not comparable.
func CompareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	switch a := a.(type) {
	case string:
		if b, ok := b.(string); ok {
			return strings.Compare(a, b), true
		}
	case int64:
		switch b := b.(type) {
		case int64:
			return cmp.Compare(a, b), true
		case float64:
			return cmp.Compare(float64(a), b), true
		}
	case float64:
		switch b := b.(type) {
		case float64:
			return cmp.Compare(a, b), true
		case int64:
			return cmp.Compare(a, float64(b)), true
		}
	case bool:
		if b, ok := b.(bool); ok {
			switch {
			case a == b:
				return 0, true
			case !a:
				return -1, true
			default:
				return 1, true
			}
		}
	case time.Time:
		if b, ok := b.(time.Time); ok {
			return a.Compare(b), true
		}
	case []byte:
		if b, ok := b.([]byte); ok {
			return bytes.Compare(a, b), true
		}
	}
	return 0, false
}
