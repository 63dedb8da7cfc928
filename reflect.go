package hybriddb

import (
	"encoding"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/andreyvit/hybriddb/backend"
)

const tagName = "hybriddb"

var (
	typeInfoCache sync.Map

	timeType          = reflect.TypeFor[time.Time]()
	bytesType         = reflect.TypeFor[[]byte]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

type structInfo struct {
	typ     reflect.Type
	idField reflect.StructField
	idType  backend.ColumnType
}

func (si *structInfo) idValue(docVal reflect.Value) reflect.Value {
	return docVal.Elem().FieldByIndex(si.idField.Index)
}

func reflectType(typ reflect.Type) (*structInfo, error) {
	if v, ok := typeInfoCache.Load(typ); ok {
		return v.(*structInfo), nil
	}
	info, err := reflectTypeWithoutCache(typ)
	if err != nil {
		return nil, err
	}
	actual, _ := typeInfoCache.LoadOrStore(typ, info)
	return actual.(*structInfo), nil
}

// reflectTypeWithoutCache picks the identifier field: the one tagged
// `hybriddb:"id"`, else the one named ID or Id, else the first exported field.
func reflectTypeWithoutCache(typ reflect.Type) (*structInfo, error) {
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%v is not a struct", typ)
	}

	var idField reflect.StructField
	var found bool
	for i := range typ.NumField() {
		f := typ.Field(i)
		if hasTagOption(f.Tag.Get(tagName), "id") {
			idField, found = f, true
			break
		}
	}
	if !found {
		for _, name := range []string{"ID", "Id"} {
			if f, ok := typ.FieldByName(name); ok && len(f.Index) == 1 {
				idField, found = f, true
				break
			}
		}
	}
	if !found {
		for i := range typ.NumField() {
			if f := typ.Field(i); f.IsExported() {
				idField, found = f, true
				break
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%v has no exported fields to use as an identifier", typ)
	}
	if !idField.IsExported() {
		return nil, fmt.Errorf("identifier field %v.%s must be exported", typ, idField.Name)
	}

	idType := identifierColumnType(idField.Type)
	if idType == 0 {
		return nil, fmt.Errorf("identifier field %v.%s has unsupported type %v", typ, idField.Name, idField.Type)
	}
	return &structInfo{
		typ:     typ,
		idField: idField,
		idType:  idType,
	}, nil
}

func hasTagOption(tag, opt string) bool {
	for _, s := range strings.Split(tag, ",") {
		if strings.TrimSpace(s) == opt {
			return true
		}
	}
	return false
}

func identifierColumnType(typ reflect.Type) backend.ColumnType {
	if typ.Implements(textMarshalerType) {
		return backend.String
	}
	switch typ.Kind() {
	case reflect.String:
		return backend.String
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return backend.Int
	default:
		return 0
	}
}

// scalarColumnType maps a Go type onto the column type that can hold it, or
// returns 0 if the type is not scalar. Pointers are followed.
func scalarColumnType(typ reflect.Type) backend.ColumnType {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ == timeType || (typ.Kind() == reflect.Struct && typ.ConvertibleTo(timeType)) {
		return backend.Time
	}
	if typ.Implements(textMarshalerType) {
		return backend.String
	}
	switch typ.Kind() {
	case reflect.String:
		return backend.String
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return backend.Int
	case reflect.Float32, reflect.Float64:
		return backend.Float
	case reflect.Bool:
		return backend.Bool
	case reflect.Slice:
		if typ.Elem().Kind() == reflect.Uint8 {
			return backend.Bytes
		}
	}
	return 0
}

// fieldPath is a resolved dotted path like DeliveryAddress.PostalCode.
type fieldPath struct {
	path  string
	steps [][]int
	leaf  reflect.Type
}

type pathError struct {
	msg      string
	isMethod bool
}

func (e *pathError) Error() string { return e.msg }

func resolvePath(typ reflect.Type, path string) (*fieldPath, error) {
	if path == "" {
		return nil, &pathError{msg: "empty path"}
	}
	fp := &fieldPath{path: path}
	cur := typ
	for _, name := range strings.Split(path, ".") {
		for cur.Kind() == reflect.Pointer {
			cur = cur.Elem()
		}
		if cur.Kind() != reflect.Struct {
			return nil, &pathError{msg: fmt.Sprintf("cannot access %s on non-struct %v", name, cur)}
		}
		f, ok := cur.FieldByName(name)
		if !ok {
			if hasMethod(cur, name) {
				return nil, &pathError{msg: fmt.Sprintf("%v.%s is a method, only fields can be accessed", cur, name), isMethod: true}
			}
			return nil, &pathError{msg: fmt.Sprintf("%v has no field %s", cur, name)}
		}
		if !f.IsExported() {
			return nil, &pathError{msg: fmt.Sprintf("%v.%s is not exported", cur, name)}
		}
		fp.steps = append(fp.steps, f.Index)
		cur = f.Type
	}
	fp.leaf = cur
	return fp, nil
}

func hasMethod(typ reflect.Type, name string) bool {
	if _, ok := typ.MethodByName(name); ok {
		return true
	}
	_, ok := reflect.PointerTo(typ).MethodByName(name)
	return ok
}

// value walks the path from a document pointer. It reports false when a nil
// pointer is crossed, which callers treat as NULL.
func (fp *fieldPath) value(docVal reflect.Value) (reflect.Value, bool) {
	v := docVal
	for _, index := range fp.steps {
		for _, i := range index {
			for v.Kind() == reflect.Pointer {
				if v.IsNil() {
					return reflect.Value{}, false
				}
				v = v.Elem()
			}
			v = v.Field(i)
		}
	}
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	return v, true
}
