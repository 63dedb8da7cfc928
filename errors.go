package hybriddb

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrMigration     = errors.New("migration error")
	ErrIdentity      = errors.New("identity error")
	ErrPersistence   = errors.New("persistence error")
	ErrQuery         = errors.New("query error")

	ErrSessionClosed = errors.New("hybriddb: session closed")
)

// ConfigurationError reports an invalid or late change to the document store
// configuration, or use of a document type the store cannot serve.
type ConfigurationError struct {
	Type reflect.Type
	Path string
	Msg  string
	Err  error
}

func configErrf(typ reflect.Type, path string, err error, format string, args ...any) error {
	return &ConfigurationError{typ, path, fmt.Sprintf(format, args...), err}
}

func (e *ConfigurationError) Error() string {
	return formatError("configuration", typeName(e.Type), e.Path, "", e.Msg, e.Err)
}

func (e *ConfigurationError) Unwrap() error        { return e.Err }
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// MigrationError reports that the table of one document type could not be
// converged to its declared layout. Other types are unaffected.
type MigrationError struct {
	Type   reflect.Type
	Table  string
	Column string
	Msg    string
	Err    error
}

func migrationErrf(dt *docType, column string, err error, format string, args ...any) error {
	return &MigrationError{dt.typ, dt.table, column, fmt.Sprintf(format, args...), err}
}

func (e *MigrationError) Error() string {
	return formatError("migration", e.Table, e.Column, "", e.Msg, e.Err)
}

func (e *MigrationError) Unwrap() error        { return e.Err }
func (e *MigrationError) Is(target error) bool { return target == ErrMigration }

// IdentityError reports a missing, invalid or untracked document identifier.
type IdentityError struct {
	Type reflect.Type
	ID   any
	Msg  string
}

func identityErrf(typ reflect.Type, id any, format string, args ...any) error {
	return &IdentityError{typ, id, fmt.Sprintf(format, args...)}
}

func (e *IdentityError) Error() string {
	var idStr string
	if e.ID != nil {
		idStr = fmt.Sprint(e.ID)
	}
	return formatError("identity", typeName(e.Type), "", idStr, e.Msg, nil)
}

func (e *IdentityError) Is(target error) bool { return target == ErrIdentity }

// PersistenceError reports a failed SaveChanges. The whole batch was rolled
// back and the session still holds its pre-call state.
type PersistenceError struct {
	Op    string
	Table string
	ID    any
	Err   error
}

func (e *PersistenceError) Error() string {
	var idStr string
	if e.ID != nil {
		idStr = fmt.Sprint(e.ID)
	}
	return formatError("persistence", e.Table, "", idStr, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error        { return e.Err }
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// QueryError reports a predicate that cannot be translated. It is raised
// before any backend round trip.
type QueryError struct {
	Type reflect.Type
	Path string
	Msg  string
	Err  error
}

func queryErrf(typ reflect.Type, path string, err error, format string, args ...any) error {
	return &QueryError{typ, path, fmt.Sprintf(format, args...), err}
}

func (e *QueryError) Error() string {
	return formatError("query", typeName(e.Type), e.Path, "", e.Msg, e.Err)
}

func (e *QueryError) Unwrap() error        { return e.Err }
func (e *QueryError) Is(target error) bool { return target == ErrQuery }

// DataError reports a payload the serializer could not decode.
type DataError struct {
	Data []byte
	Err  error
	Msg  string
}

func dataErrf(data []byte, err error, format string, args ...any) error {
	return &DataError{data, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

func formatError(kind, subject, path, id, msg string, err error) string {
	var buf strings.Builder
	buf.WriteString("hybriddb: ")
	buf.WriteString(kind)
	if subject != "" {
		buf.WriteString(": ")
		buf.WriteString(subject)
		if path != "" {
			buf.WriteByte('.')
			buf.WriteString(path)
		}
	} else if path != "" {
		buf.WriteString(": ")
		buf.WriteString(path)
	}
	if id != "" {
		buf.WriteByte('/')
		buf.WriteString(id)
	}
	if msg != "" {
		buf.WriteString(": ")
		buf.WriteString(msg)
	}
	if err != nil {
		buf.WriteString(": ")
		buf.WriteString(err.Error())
	}
	return buf.String()
}

func typeName(typ reflect.Type) string {
	if typ == nil {
		return ""
	}
	return typ.Name()
}
