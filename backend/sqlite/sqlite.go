// Package sqlite provides a SQLite-backed hybriddb backend.
//
// Every document table is a real SQL table: the identifier is the primary
// key, the payload is a BLOB and each projected column is a nullable column
// with its own secondary index. Filters compile to a parameterized WHERE
// clause.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/andreyvit/hybriddb/backend"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Declared SQL types. SQLite keeps the declared type verbatim, which lets
// Columns map BOOLEAN and TIMESTAMP back to their column types even though
// both are stored as integers.
var sqlTypes = map[backend.ColumnType]string{
	backend.String: "TEXT",
	backend.Int:    "INTEGER",
	backend.Float:  "REAL",
	backend.Bool:   "BOOLEAN",
	backend.Time:   "TIMESTAMP",
	backend.Bytes:  "BLOB",
}

type Options struct {
	// BusyTimeout is how long a connection waits for a lock. Defaults to 5s.
	BusyTimeout time.Duration
}

// Backend persists documents in SQLite.
type Backend struct {
	sqlDB *sql.DB

	layoutsMu sync.Mutex
	layouts   map[string]map[string]backend.ColumnType
}

var _ backend.Backend = (*Backend)(nil)

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, opt Options) (*Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if opt.BusyTimeout == 0 {
		opt.BusyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path, opt.BusyTimeout.Milliseconds())
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; avoids SQLITE_BUSY between our own connections.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return New(sqlDB), nil
}

// New wraps an already opened database handle.
func New(sqlDB *sql.DB) *Backend {
	return &Backend{
		sqlDB:   sqlDB,
		layouts: make(map[string]map[string]backend.ColumnType),
	}
}

// DB exposes the underlying handle.
func (b *Backend) DB() *sql.DB {
	return b.sqlDB
}

func (b *Backend) Close() error {
	if b == nil || b.sqlDB == nil {
		return nil
	}
	return b.sqlDB.Close()
}

func (b *Backend) Columns(ctx context.Context, table string) ([]backend.Column, error) {
	rows, err := b.sqlDB.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []backend.Column
	for rows.Next() {
		var name, declType string
		if err := rows.Scan(&name, &declType); err != nil {
			return nil, fmt.Errorf("table info %s: %w", table, err)
		}
		cols = append(cols, backend.Column{Name: name, Type: columnTypeOf(declType)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%s: %w", table, backend.ErrTableNotFound)
	}
	b.rememberLayout(table, cols)
	return cols, nil
}

func (b *Backend) CreateTable(ctx context.Context, table string, idType backend.ColumnType) error {
	sqlType, ok := sqlTypes[idType]
	if !ok {
		return fmt.Errorf("create table %s: invalid id type %v", table, idType)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s PRIMARY KEY NOT NULL, %s BLOB NOT NULL)",
		quoteIdent(table), quoteIdent(backend.IDColumn), sqlType, quoteIdent(backend.PayloadColumn))
	if _, err := b.sqlDB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	b.forgetLayout(table)
	return nil
}

func (b *Backend) AddColumn(ctx context.Context, table string, col backend.Column) error {
	sqlType, ok := sqlTypes[col.Type]
	if !ok {
		return fmt.Errorf("add column %s.%s: invalid type %v", table, col.Name, col.Type)
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(col.Name), sqlType)
	if _, err := b.sqlDB.ExecContext(ctx, stmt); err != nil {
		if !isDuplicateColumnError(err) {
			return fmt.Errorf("add column %s.%s: %w", table, col.Name, err)
		}
		if err := b.checkExistingColumn(ctx, table, col); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, col.Name, err)
		}
	}
	stmt = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent("ix_"+table+"_"+col.Name), quoteIdent(table), quoteIdent(col.Name))
	if _, err := b.sqlDB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("index column %s.%s: %w", table, col.Name, err)
	}
	b.forgetLayout(table)
	return nil
}

func (b *Backend) Get(ctx context.Context, table string, id any) (*backend.Row, error) {
	layout, err := b.layout(ctx, table)
	if err != nil {
		return nil, err
	}
	idVal, err := toSQL(id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%v: %w", table, id, err)
	}
	rows, err := b.sqlDB.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quoteIdent(table), quoteIdent(backend.IDColumn)), idVal)
	if err != nil {
		return nil, fmt.Errorf("get %s/%v: %w", table, id, err)
	}
	result, err := scanRows(rows, layout)
	if err != nil {
		return nil, fmt.Errorf("get %s/%v: %w", table, id, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return &result[0], nil
}

func (b *Backend) Scan(ctx context.Context, table string, filter backend.Filter) ([]backend.Row, error) {
	layout, err := b.layout(ctx, table)
	if err != nil {
		return nil, err
	}
	var where whereBuilder
	if err := where.add(filter, layout); err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	query := "SELECT * FROM " + quoteIdent(table)
	if where.buf.Len() > 0 {
		query += " WHERE " + where.buf.String()
	}
	query += " ORDER BY " + quoteIdent(backend.IDColumn)

	rows, err := b.sqlDB.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	result, err := scanRows(rows, layout)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	return result, nil
}

func (b *Backend) Begin(ctx context.Context) (backend.Tx, error) {
	tx, err := b.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{b: b, tx: tx}, nil
}

func (b *Backend) layout(ctx context.Context, table string) (map[string]backend.ColumnType, error) {
	b.layoutsMu.Lock()
	layout := b.layouts[table]
	b.layoutsMu.Unlock()
	if layout != nil {
		return layout, nil
	}
	if _, err := b.Columns(ctx, table); err != nil {
		return nil, err
	}
	b.layoutsMu.Lock()
	defer b.layoutsMu.Unlock()
	return b.layouts[table], nil
}

func (b *Backend) rememberLayout(table string, cols []backend.Column) {
	layout := make(map[string]backend.ColumnType, len(cols))
	for _, c := range cols {
		layout[c.Name] = c.Type
	}
	b.layoutsMu.Lock()
	defer b.layoutsMu.Unlock()
	b.layouts[table] = layout
}

func (b *Backend) forgetLayout(table string) {
	b.layoutsMu.Lock()
	defer b.layoutsMu.Unlock()
	delete(b.layouts, table)
}

// Tx is a SQL transaction.
type Tx struct {
	b  *Backend
	tx *sql.Tx
}

func (t *Tx) Insert(ctx context.Context, table string, row backend.Row) error {
	names := []string{quoteIdent(backend.IDColumn), quoteIdent(backend.PayloadColumn)}
	idVal, err := toSQL(row.ID)
	if err != nil {
		return fmt.Errorf("insert %s/%v: %w", table, row.ID, err)
	}
	args := []any{idVal, row.Payload}
	for _, name := range sortedColumnNames(row.Columns) {
		v, err := toSQL(row.Columns[name])
		if err != nil {
			return fmt.Errorf("insert %s/%v: column %s: %w", table, row.ID, name, err)
		}
		names = append(names, quoteIdent(name))
		args = append(args, v)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table),
		strings.Join(names, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "))
	if _, err := t.tx.ExecContext(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert %s/%v: %w", table, row.ID, backend.ErrDuplicateKey)
		}
		return fmt.Errorf("insert %s/%v: %w", table, row.ID, err)
	}
	return nil
}

func (t *Tx) Update(ctx context.Context, table string, row backend.Row) error {
	sets := []string{quoteIdent(backend.PayloadColumn) + " = ?"}
	args := []any{row.Payload}
	for _, name := range sortedColumnNames(row.Columns) {
		v, err := toSQL(row.Columns[name])
		if err != nil {
			return fmt.Errorf("update %s/%v: column %s: %w", table, row.ID, name, err)
		}
		sets = append(sets, quoteIdent(name)+" = ?")
		args = append(args, v)
	}
	idVal, err := toSQL(row.ID)
	if err != nil {
		return fmt.Errorf("update %s/%v: %w", table, row.ID, err)
	}
	args = append(args, idVal)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quoteIdent(table), strings.Join(sets, ", "), quoteIdent(backend.IDColumn))
	res, err := t.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update %s/%v: %w", table, row.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s/%v: %w", table, row.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s/%v: %w", table, row.ID, backend.ErrRowNotFound)
	}
	return nil
}

func (t *Tx) Delete(ctx context.Context, table string, id any) (bool, error) {
	idVal, err := toSQL(id)
	if err != nil {
		return false, fmt.Errorf("delete %s/%v: %w", table, id, err)
	}
	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(table), quoteIdent(backend.IDColumn)), idVal)
	if err != nil {
		return false, fmt.Errorf("delete %s/%v: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s/%v: %w", table, id, err)
	}
	return n > 0, nil
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isDuplicateColumnError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

// checkExistingColumn accepts a duplicate column only when it already has
// exactly the requested name and type. SQLite matches names case-insensitively.
func (b *Backend) checkExistingColumn(ctx context.Context, table string, col backend.Column) error {
	b.forgetLayout(table)
	cols, err := b.Columns(ctx, table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if !strings.EqualFold(c.Name, col.Name) {
			continue
		}
		if c.Name != col.Name {
			return fmt.Errorf("column already exists as %s", c.Name)
		}
		if c.Type != col.Type {
			return fmt.Errorf("column already exists as %v", c.Type)
		}
		return nil
	}
	return fmt.Errorf("duplicate column reported but not found")
}
