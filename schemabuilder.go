package hybriddb

import (
	"errors"
	"reflect"

	"github.com/andreyvit/hybriddb/backend"
)

// DocumentBuilder declares the projections of document type T. Methods chain;
// the first failure sticks and is returned by Err and by migration.
type DocumentBuilder[T any] struct {
	store *DocumentStore
	dt    *docType
	errs  []error // failures after migration, not owned by dt
}

// Document registers T as a document type, or returns a builder over the
// existing registration. Repeated calls merge their projections.
func Document[T any](store *DocumentStore) *DocumentBuilder[T] {
	store.mu.Lock()
	defer store.mu.Unlock()

	typ := reflect.TypeFor[T]()
	b := &DocumentBuilder[T]{store: store}
	if dt := store.typesByGoType[typ]; dt != nil {
		b.dt = dt
		return b
	}
	if store.frozen {
		b.errs = append(b.errs, configErrf(typ, "", nil, "cannot register document type after migration"))
		return b
	}
	b.dt = store.addType(typ)
	return b
}

// Err returns every configuration failure recorded through this builder's
// document type.
func (b *DocumentBuilder[T]) Err() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	var errs []error
	if b.dt != nil {
		errs = append(errs, b.dt.errs...)
	}
	errs = append(errs, b.errs...)
	return errors.Join(errs...)
}

// Table overrides the table name, which defaults to the Go type name.
func (b *DocumentBuilder[T]) Table(name string) *DocumentBuilder[T] {
	b.configure("", func(dt *docType) {
		if name == "" {
			dt.fail(configErrf(dt.typ, "", nil, "empty table name"))
			return
		}
		dt.table = name
	})
	return b
}

// Project declares a projection of a dotted field path, stored in a column
// named after the path with the dots removed.
//
// Builder methods chain, so they do not return errors. An invalid
// projection is recorded on the document type: Err reports it right after
// the call, and MigrateSchemaToMatchConfiguration refuses to run.
func (b *DocumentBuilder[T]) Project(path string) *DocumentBuilder[T] {
	return b.ProjectAs(defaultColumnName(path), path)
}

// ProjectAs declares a projection of a dotted field path into the given
// column.
func (b *DocumentBuilder[T]) ProjectAs(column, path string) *DocumentBuilder[T] {
	b.configure(path, func(dt *docType) {
		fp, err := resolvePath(dt.typ, path)
		if err != nil {
			dt.fail(configErrf(dt.typ, path, err, "cannot project"))
			return
		}
		ct := scalarColumnType(fp.leaf)
		if ct == 0 {
			dt.fail(configErrf(dt.typ, path, nil, "cannot project non-scalar %v", fp.leaf))
			return
		}
		if column == "" {
			dt.fail(configErrf(dt.typ, path, nil, "empty column name"))
			return
		}
		dt.addProjection(&Projection{
			Path:   path,
			Column: column,
			Type:   ct,
			field:  fp,
		})
	})
	return b
}

// ProjectFunc declares a computed projection. The path names it for query
// translation: predicates on that path are pushed to the column. fn must be
// pure and return a value convertible to ct, or nil for NULL.
func (b *DocumentBuilder[T]) ProjectFunc(path string, ct backend.ColumnType, fn func(doc *T) any) *DocumentBuilder[T] {
	b.configure(path, func(dt *docType) {
		if path == "" || fn == nil {
			dt.fail(configErrf(dt.typ, path, nil, "computed projection needs a path and a function"))
			return
		}
		if !ct.Valid() {
			dt.fail(configErrf(dt.typ, path, nil, "invalid column type %v", ct))
			return
		}
		dt.addProjection(&Projection{
			Path:   path,
			Column: defaultColumnName(path),
			Type:   ct,
			accessor: func(docVal reflect.Value) any {
				return fn(docVal.Interface().(*T))
			},
		})
	})
	return b
}

// SuppressContentWhenLogging keeps document bodies out of verbose logs.
func (b *DocumentBuilder[T]) SuppressContentWhenLogging() *DocumentBuilder[T] {
	b.configure("", func(dt *docType) {
		dt.suppressContent = true
	})
	return b
}

// Projections returns the declared projections in declaration order.
func (b *DocumentBuilder[T]) Projections() []Projection {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.dt == nil {
		return nil
	}
	result := make([]Projection, len(b.dt.projections))
	for i, p := range b.dt.projections {
		result[i] = *p
	}
	return result
}

func (b *DocumentBuilder[T]) configure(path string, f func(dt *docType)) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.dt == nil {
		return
	}
	if b.store.frozen {
		b.errs = append(b.errs, configErrf(b.dt.typ, path, nil, "configuration is frozen after migration"))
		return
	}
	if b.dt.info == nil {
		return
	}
	f(b.dt)
}
