// Package backend defines the contract between hybriddb and the relational
// store that holds its tables.
//
// A backend knows nothing about documents. It stores rows made of an
// identifier, an opaque payload and a set of nullable scalar columns, can add
// tables and columns, and can scan a table with a column-level Filter.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Names of the two fixed columns every table has.
const (
	IDColumn      = "Id"
	PayloadColumn = "Document"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrDuplicateKey  = errors.New("duplicate key")
	ErrRowNotFound   = errors.New("row not found")
)

type ColumnType int

const (
	String ColumnType = iota + 1
	Int
	Float
	Bool
	Time
	Bytes
)

var columnTypeNames = map[ColumnType]string{
	String: "string",
	Int:    "int",
	Float:  "float",
	Bool:   "bool",
	Time:   "time",
	Bytes:  "bytes",
}

func (ct ColumnType) String() string {
	if s, ok := columnTypeNames[ct]; ok {
		return s
	}
	return fmt.Sprintf("ColumnType(%d)", int(ct))
}

func (ct ColumnType) Valid() bool {
	_, ok := columnTypeNames[ct]
	return ok
}

type Column struct {
	Name string     `msgpack:"n"`
	Type ColumnType `msgpack:"t"`
}

func (c Column) String() string {
	return c.Name + " " + c.Type.String()
}

// Row is one stored document. Columns holds projected values keyed by column
// name; a missing or nil entry is NULL. ID and column values are normalized
// (see Normalize).
type Row struct {
	ID      any
	Payload []byte
	Columns map[string]any
}

type Backend interface {
	// Columns returns the actual column layout of the table, including the
	// identifier and payload columns. Returns ErrTableNotFound if the table
	// does not exist.
	Columns(ctx context.Context, table string) ([]Column, error)

	// CreateTable creates a table with only the identifier and payload
	// columns. Creating an existing table is a no-op.
	CreateTable(ctx context.Context, table string, idType ColumnType) error

	// AddColumn adds a nullable column. Existing rows get NULL.
	AddColumn(ctx context.Context, table string, col Column) error

	// Get returns the row with the given identifier, or nil if there is none.
	Get(ctx context.Context, table string, id any) (*Row, error)

	// Scan returns the rows matching the filter (all rows for a nil filter),
	// ordered by identifier.
	Scan(ctx context.Context, table string, filter Filter) ([]Row, error)

	// Begin starts a read-write transaction.
	Begin(ctx context.Context) (Tx, error)

	Close() error
}

// Tx groups writes that must commit or roll back together. A Tx is not safe
// for concurrent use.
type Tx interface {
	// Insert fails with ErrDuplicateKey if the identifier already exists.
	Insert(ctx context.Context, table string, row Row) error

	// Update replaces payload and columns. Fails with ErrRowNotFound if the
	// identifier does not exist.
	Update(ctx context.Context, table string, row Row) error

	// Delete reports whether a row was removed.
	Delete(ctx context.Context, table string, id any) (bool, error)

	Commit() error

	// Rollback aborts the transaction. Safe to call after Commit.
	Rollback() error
}
