package hybriddb

import (
	"encoding"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/andreyvit/hybriddb/backend"
)

// docType is the registration of one document type: its table and its
// projections in declaration order.
type docType struct {
	store           *DocumentStore
	pos             int // index in store.types
	typ             reflect.Type
	ptrType         reflect.Type
	info            *structInfo
	table           string
	projections     []*Projection
	projByPath      map[string]*Projection
	projByColumn    map[string]*Projection
	suppressContent bool

	errs         []error // configuration errors, reported by migration
	migrated     bool
	migrationErr error
}

func newDocType(store *DocumentStore, typ reflect.Type) *docType {
	dt := &docType{
		store:        store,
		typ:          typ,
		ptrType:      reflect.PointerTo(typ),
		table:        typ.Name(),
		projByPath:   make(map[string]*Projection),
		projByColumn: make(map[string]*Projection),
	}
	info, err := reflectType(typ)
	if err != nil {
		dt.fail(configErrf(typ, "", err, "cannot register document type"))
	} else {
		dt.info = info
	}
	return dt
}

func (dt *docType) Name() string {
	return dt.typ.Name()
}

func (dt *docType) fail(err error) {
	dt.errs = append(dt.errs, err)
}

func (dt *docType) configErr() error {
	return errors.Join(dt.errs...)
}

// usable reports whether sessions may touch documents of this type.
func (dt *docType) usable() error {
	if dt.migrationErr != nil {
		return configErrf(dt.typ, "", dt.migrationErr, "table %s failed to migrate", dt.table)
	}
	if !dt.migrated {
		return configErrf(dt.typ, "", nil, "table %s is not migrated", dt.table)
	}
	return nil
}

func (dt *docType) addProjection(p *Projection) {
	if existing := dt.projByPath[p.Path]; existing != nil {
		if existing.Type != p.Type {
			dt.fail(configErrf(dt.typ, p.Path, nil, "already projected as %v, cannot project as %v", existing.Type, p.Type))
			return
		}
		if existing.Column != p.Column {
			dt.fail(configErrf(dt.typ, p.Path, nil, "already projected into column %s, cannot project into %s", existing.Column, p.Column))
			return
		}
		return
	}
	if strings.EqualFold(p.Column, backend.IDColumn) || strings.EqualFold(p.Column, backend.PayloadColumn) {
		dt.fail(configErrf(dt.typ, p.Path, nil, "column name %s is reserved", p.Column))
		return
	}
	if existing := dt.projByColumn[strings.ToLower(p.Column)]; existing != nil {
		dt.fail(configErrf(dt.typ, p.Path, nil, "column %s is already used by %s", p.Column, existing.Path))
		return
	}
	dt.projections = append(dt.projections, p)
	dt.projByPath[p.Path] = p
	dt.projByColumn[strings.ToLower(p.Column)] = p
}

func (dt *docType) idOf(docVal reflect.Value) (any, error) {
	idVal := dt.info.idValue(docVal)
	if idVal.IsZero() {
		return nil, identityErrf(dt.typ, nil, "identifier field %s is empty", dt.info.idField.Name)
	}
	id, err := backend.Normalize(dt.info.idType, idVal.Interface())
	if err != nil {
		return nil, identityErrf(dt.typ, idVal.Interface(), "invalid identifier: %v", err)
	}
	return id, nil
}

func (dt *docType) normalizeID(id any) (any, error) {
	if id == nil {
		return nil, identityErrf(dt.typ, nil, "nil identifier")
	}
	n, err := backend.Normalize(dt.info.idType, id)
	if err != nil {
		return nil, identityErrf(dt.typ, id, "invalid identifier: %v", err)
	}
	if n == nil || reflect.ValueOf(n).IsZero() {
		return nil, identityErrf(dt.typ, id, "empty identifier")
	}
	return n, nil
}

// fillID sets an empty identifier field from the row key, for documents
// whose serialized form leaves the identifier out.
func (dt *docType) fillID(docVal reflect.Value, id any) error {
	idVal := dt.info.idValue(docVal)
	if !idVal.IsZero() {
		return nil
	}
	if s, ok := id.(string); ok {
		if u, ok := idVal.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText([]byte(s))
		}
		if idVal.Kind() == reflect.String {
			idVal.SetString(s)
			return nil
		}
	}
	if n, ok := id.(int64); ok {
		switch idVal.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			idVal.SetInt(n)
			return nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			idVal.SetUint(uint64(n))
			return nil
		}
	}
	return fmt.Errorf("cannot assign identifier %v to %v", id, idVal.Type())
}

func (dt *docType) columns() []backend.Column {
	cols := make([]backend.Column, 0, len(dt.projections))
	for _, p := range dt.projections {
		cols = append(cols, backend.Column{Name: p.Column, Type: p.Type})
	}
	return cols
}

// project computes every projected column value for a document.
func (dt *docType) project(docVal reflect.Value) (map[string]any, error) {
	cols := make(map[string]any, len(dt.projections))
	for _, p := range dt.projections {
		v, err := p.valueOf(docVal)
		if err != nil {
			return nil, err
		}
		cols[p.Column] = v
	}
	return cols, nil
}

func (dt *docType) newDoc() reflect.Value {
	return reflect.New(dt.typ)
}

func (dt *docType) decode(payload []byte) (reflect.Value, error) {
	docVal := dt.newDoc()
	err := dt.store.serializer.Deserialize(payload, docVal.Interface())
	return docVal, err
}

// Projection maps a document field path onto a typed column.
type Projection struct {
	Path   string
	Column string
	Type   backend.ColumnType

	field    *fieldPath
	accessor func(docVal reflect.Value) any
}

// Value computes the projected column value for doc, a pointer to the
// document. The result is normalized (see backend.Normalize); nil is NULL.
func (p *Projection) Value(doc any) (any, error) {
	return p.valueOf(reflect.ValueOf(doc))
}

func (p *Projection) valueOf(docVal reflect.Value) (any, error) {
	var raw any
	if p.accessor != nil {
		raw = p.accessor(docVal)
	} else {
		v, ok := p.field.value(docVal)
		if !ok {
			return nil, nil
		}
		raw = v.Interface()
	}
	v, err := backend.Normalize(p.Type, raw)
	if err != nil {
		return nil, fmt.Errorf("projection %s: %w", p.Path, err)
	}
	return v, nil
}

func (p *Projection) String() string {
	return fmt.Sprintf("%s => %s %v", p.Path, p.Column, p.Type)
}

// defaultColumnName turns DeliveryAddress.PostalCode into
// DeliveryAddressPostalCode.
func defaultColumnName(path string) string {
	return strings.ReplaceAll(path, ".", "")
}
