/*
Package bolt implements a hybriddb backend on top of Bolt.

Bolt has no tables or columns, so we keep them ourselves:

**Buckets.** Each table is a root bucket named after the table. It holds a
“table state” record under the `_state` key and a nested `data` bucket with
the rows.

**Table state** (msgpack): the identifier column type and the list of
projected columns in the order they were added. Columns are never removed.

**Keys.** String identifiers are stored as their raw bytes. Integer
identifiers are stored as 8 big-endian bytes with the sign bit flipped, so
that Bolt's byte order matches numeric order.

**Values** (msgpack): the payload plus a map of projected column values.
Rows written before a column was added simply lack the entry, which reads
back as NULL.

Filters are evaluated in process while scanning the data bucket.
*/
package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/andreyvit/hybriddb/backend"
	"go.etcd.io/bbolt"
)

var (
	dataBucket    = []byte("data")
	tableStateKey = []byte("_state")
)

type Options struct {
	IsTesting bool
	Timeout   time.Duration
	MmapSize  int
}

// Backend stores tables in a Bolt database file.
type Backend struct {
	bdb *bbolt.DB
}

var _ backend.Backend = (*Backend)(nil)

func Open(path string, opt Options) (*Backend, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.Timeout != 0 {
		bopt.Timeout = opt.Timeout
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 64
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("bolt: %w", err)
	}
	return &Backend{bdb: bdb}, nil
}

func (b *Backend) Bolt() *bbolt.DB {
	return b.bdb
}

func (b *Backend) Close() error {
	return b.bdb.Close()
}

type tableState struct {
	IDType  backend.ColumnType `msgpack:"id"`
	Columns []backend.Column   `msgpack:"c"`
	Created time.Time          `msgpack:"t"`
}

func (ts *tableState) column(name string) (backend.Column, bool) {
	for _, c := range ts.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return backend.Column{}, false
}

func (ts *tableState) columnType(name string) (backend.ColumnType, bool) {
	if name == backend.IDColumn {
		return ts.IDType, true
	}
	c, ok := ts.column(name)
	return c.Type, ok
}

func loadTableState(btx *bbolt.Tx, table string) (*bbolt.Bucket, *tableState, error) {
	rootB := btx.Bucket([]byte(table))
	if rootB == nil {
		return nil, nil, fmt.Errorf("%s: %w", table, backend.ErrTableNotFound)
	}
	raw := rootB.Get(tableStateKey)
	if raw == nil {
		return nil, nil, fmt.Errorf("%s: %w", table, backend.ErrTableNotFound)
	}
	ts := new(tableState)
	if err := decodeMsgpack(raw, ts); err != nil {
		return nil, nil, fmt.Errorf("%s: failed to decode table state: %w", table, err)
	}
	return rootB, ts, nil
}

func saveTableState(rootB *bbolt.Bucket, ts *tableState) error {
	raw, err := encodeMsgpack(ts)
	if err != nil {
		return err
	}
	return rootB.Put(tableStateKey, raw)
}

func (b *Backend) Columns(ctx context.Context, table string) ([]backend.Column, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cols []backend.Column
	err := b.bdb.View(func(btx *bbolt.Tx) error {
		_, ts, err := loadTableState(btx, table)
		if err != nil {
			return err
		}
		cols = append(cols,
			backend.Column{Name: backend.IDColumn, Type: ts.IDType},
			backend.Column{Name: backend.PayloadColumn, Type: backend.Bytes})
		cols = append(cols, ts.Columns...)
		return nil
	})
	return cols, err
}

func (b *Backend) CreateTable(ctx context.Context, table string, idType backend.ColumnType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if idType != backend.String && idType != backend.Int {
		return fmt.Errorf("create table %s: unsupported id type %v", table, idType)
	}
	return b.bdb.Update(func(btx *bbolt.Tx) error {
		rootB, err := btx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		if _, err := rootB.CreateBucketIfNotExists(dataBucket); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		if rootB.Get(tableStateKey) != nil {
			return nil
		}
		return saveTableState(rootB, &tableState{IDType: idType, Created: time.Now().UTC()})
	})
}

func (b *Backend) AddColumn(ctx context.Context, table string, col backend.Column) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !col.Type.Valid() {
		return fmt.Errorf("add column %s.%s: invalid type %v", table, col.Name, col.Type)
	}
	if col.Name == backend.IDColumn || col.Name == backend.PayloadColumn {
		return fmt.Errorf("add column %s.%s: reserved name", table, col.Name)
	}
	return b.bdb.Update(func(btx *bbolt.Tx) error {
		rootB, ts, err := loadTableState(btx, table)
		if err != nil {
			return err
		}
		if _, found := ts.column(col.Name); found {
			return nil
		}
		ts.Columns = append(ts.Columns, col)
		return saveTableState(rootB, ts)
	})
}

func (b *Backend) Get(ctx context.Context, table string, id any) (*backend.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result *backend.Row
	err := b.bdb.View(func(btx *bbolt.Tx) error {
		rootB, ts, err := loadTableState(btx, table)
		if err != nil {
			return err
		}
		keyRaw, err := encodeKey(ts.IDType, id)
		if err != nil {
			return fmt.Errorf("get %s/%v: %w", table, id, err)
		}
		valueRaw := rootB.Bucket(dataBucket).Get(keyRaw)
		if valueRaw == nil {
			return nil
		}
		row, err := decodeRow(ts, keyRaw, valueRaw)
		if err != nil {
			return fmt.Errorf("get %s/%v: %w", table, id, err)
		}
		result = &row
		return nil
	})
	return result, err
}

func (b *Backend) Scan(ctx context.Context, table string, filter backend.Filter) ([]backend.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result []backend.Row
	err := b.bdb.View(func(btx *bbolt.Tx) error {
		rootB, ts, err := loadTableState(btx, table)
		if err != nil {
			return err
		}
		for _, name := range backend.Columns(filter) {
			if _, ok := ts.columnType(name); !ok {
				return fmt.Errorf("scan %s: unknown column %s", table, name)
			}
		}
		c := rootB.Bucket(dataBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			row, err := decodeRow(ts, k, v)
			if err != nil {
				return fmt.Errorf("scan %s: %w", table, err)
			}
			if !matchRow(filter, row) {
				continue
			}
			result = append(result, row)
		}
		return nil
	})
	return result, err
}

func matchRow(filter backend.Filter, row backend.Row) bool {
	if filter == nil {
		return true
	}
	row.Columns[backend.IDColumn] = row.ID
	ok := backend.Match(filter, row.Columns)
	delete(row.Columns, backend.IDColumn)
	return ok
}

func (b *Backend) Begin(ctx context.Context) (backend.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	btx, err := b.bdb.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("bolt: begin: %w", err)
	}
	return &Tx{btx: btx}, nil
}

// Tx is a Bolt read-write transaction.
type Tx struct {
	btx *bbolt.Tx
}

func (t *Tx) BoltTx() *bbolt.Tx { return t.btx }

func (t *Tx) prepareWrite(table string, row backend.Row) (*bbolt.Bucket, []byte, []byte, error) {
	rootB, ts, err := loadTableState(t.btx, table)
	if err != nil {
		return nil, nil, nil, err
	}
	keyRaw, err := encodeKey(ts.IDType, row.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	for name := range row.Columns {
		if _, ok := ts.column(name); !ok {
			return nil, nil, nil, fmt.Errorf("unknown column %s", name)
		}
	}
	valueRaw, err := encodeRow(row)
	if err != nil {
		return nil, nil, nil, err
	}
	return rootB.Bucket(dataBucket), keyRaw, valueRaw, nil
}

func (t *Tx) Insert(ctx context.Context, table string, row backend.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dataB, keyRaw, valueRaw, err := t.prepareWrite(table, row)
	if err != nil {
		return fmt.Errorf("insert %s/%v: %w", table, row.ID, err)
	}
	if dataB.Get(keyRaw) != nil {
		return fmt.Errorf("insert %s/%v: %w", table, row.ID, backend.ErrDuplicateKey)
	}
	if err := dataB.Put(keyRaw, valueRaw); err != nil {
		return fmt.Errorf("insert %s/%v: %w", table, row.ID, err)
	}
	return nil
}

func (t *Tx) Update(ctx context.Context, table string, row backend.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dataB, keyRaw, valueRaw, err := t.prepareWrite(table, row)
	if err != nil {
		return fmt.Errorf("update %s/%v: %w", table, row.ID, err)
	}
	if dataB.Get(keyRaw) == nil {
		return fmt.Errorf("update %s/%v: %w", table, row.ID, backend.ErrRowNotFound)
	}
	if err := dataB.Put(keyRaw, valueRaw); err != nil {
		return fmt.Errorf("update %s/%v: %w", table, row.ID, err)
	}
	return nil
}

func (t *Tx) Delete(ctx context.Context, table string, id any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rootB, ts, err := loadTableState(t.btx, table)
	if err != nil {
		return false, err
	}
	keyRaw, err := encodeKey(ts.IDType, id)
	if err != nil {
		return false, fmt.Errorf("delete %s/%v: %w", table, id, err)
	}
	dataB := rootB.Bucket(dataBucket)
	if dataB.Get(keyRaw) == nil {
		return false, nil
	}
	if err := dataB.Delete(keyRaw); err != nil {
		return false, fmt.Errorf("delete %s/%v: %w", table, id, err)
	}
	return true, nil
}

func (t *Tx) Commit() error {
	return t.btx.Commit()
}

func (t *Tx) Rollback() error {
	// The only error Rollback returns is ErrTxClosed, and it just signals that
	// we've ran Commit (which is the normal flow).
	err := t.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}
