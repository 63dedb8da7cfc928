// Package backendtest is a conformance suite every backend must pass.
package backendtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/hybriddb/backend"
)

// Opener returns a fresh, empty backend. The suite closes it.
type Opener func(t testing.TB) backend.Backend

// Run runs the conformance suite against backends produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, be backend.Backend)
	}{
		{"MissingTable", testMissingTable},
		{"CreateTable", testCreateTable},
		{"AddColumn", testAddColumn},
		{"InsertGet", testInsertGet},
		{"DuplicateKey", testDuplicateKey},
		{"UpdateMissing", testUpdateMissing},
		{"Delete", testDelete},
		{"Rollback", testRollback},
		{"ScanOrder", testScanOrder},
		{"ScanFilter", testScanFilter},
		{"ScalarRoundTrip", testScalarRoundTrip},
		{"TimeRange", testTimeRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			be := open(t)
			t.Cleanup(func() {
				assert.NoError(t, be.Close())
			})
			tt.fn(t, be)
		})
	}
}

var ordersLayout = []backend.Column{
	{Name: "PostalCode", Type: backend.String},
	{Name: "Total", Type: backend.Int},
}

func createOrders(t *testing.T, be backend.Backend) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, be.CreateTable(ctx, "Order", backend.String))
	for _, col := range ordersLayout {
		require.NoError(t, be.AddColumn(ctx, "Order", col))
	}
}

func write(t *testing.T, be backend.Backend, fn func(tx backend.Tx) error) {
	t.Helper()
	ctx := context.Background()
	tx, err := be.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit())
}

func insertOrder(t *testing.T, be backend.Backend, id, postalCode string, total int64) {
	t.Helper()
	write(t, be, func(tx backend.Tx) error {
		return tx.Insert(context.Background(), "Order", backend.Row{
			ID:      id,
			Payload: []byte("payload-" + id),
			Columns: map[string]any{"PostalCode": postalCode, "Total": total},
		})
	})
}

func ids(rows []backend.Row) []any {
	result := make([]any, len(rows))
	for i, row := range rows {
		result[i] = row.ID
	}
	return result
}

func testMissingTable(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	_, err := be.Columns(ctx, "Nope")
	require.ErrorIs(t, err, backend.ErrTableNotFound)

	_, err = be.Get(ctx, "Nope", "a")
	require.ErrorIs(t, err, backend.ErrTableNotFound)

	_, err = be.Scan(ctx, "Nope", nil)
	require.ErrorIs(t, err, backend.ErrTableNotFound)
}

func testCreateTable(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	require.NoError(t, be.CreateTable(ctx, "Order", backend.String))
	require.NoError(t, be.CreateTable(ctx, "Order", backend.String), "second CreateTable must be a no-op")

	cols, err := be.Columns(ctx, "Order")
	require.NoError(t, err)
	assert.Equal(t, []backend.Column{
		{Name: backend.IDColumn, Type: backend.String},
		{Name: backend.PayloadColumn, Type: backend.Bytes},
	}, cols)
}

func testAddColumn(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	require.NoError(t, be.CreateTable(ctx, "Order", backend.String))
	require.NoError(t, be.AddColumn(ctx, "Order", ordersLayout[0]))

	write(t, be, func(tx backend.Tx) error {
		return tx.Insert(ctx, "Order", backend.Row{
			ID:      "o1",
			Payload: []byte("x"),
			Columns: map[string]any{"PostalCode": "8700"},
		})
	})

	require.NoError(t, be.AddColumn(ctx, "Order", ordersLayout[1]))
	require.NoError(t, be.AddColumn(ctx, "Order", ordersLayout[1]), "second AddColumn must be a no-op")

	cols, err := be.Columns(ctx, "Order")
	require.NoError(t, err)
	assert.Equal(t, append([]backend.Column{
		{Name: backend.IDColumn, Type: backend.String},
		{Name: backend.PayloadColumn, Type: backend.Bytes},
	}, ordersLayout...), cols)

	row, err := be.Get(ctx, "Order", "o1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "8700", row.Columns["PostalCode"])
	assert.Nil(t, row.Columns["Total"], "pre-existing rows get NULL in a new column")
}

func testInsertGet(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	createOrders(t, be)
	insertOrder(t, be, "o1", "8700", 100)

	row, err := be.Get(ctx, "Order", "o1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "o1", row.ID)
	assert.Equal(t, []byte("payload-o1"), row.Payload)
	assert.Equal(t, "8700", row.Columns["PostalCode"])
	assert.Equal(t, int64(100), row.Columns["Total"])

	row, err = be.Get(ctx, "Order", "o2")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func testDuplicateKey(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	createOrders(t, be)
	insertOrder(t, be, "o1", "8700", 100)

	tx, err := be.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	err = tx.Insert(ctx, "Order", backend.Row{ID: "o1", Payload: []byte("again")})
	require.ErrorIs(t, err, backend.ErrDuplicateKey)
}

func testUpdateMissing(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	createOrders(t, be)
	insertOrder(t, be, "o1", "8700", 100)

	write(t, be, func(tx backend.Tx) error {
		return tx.Update(ctx, "Order", backend.Row{
			ID:      "o1",
			Payload: []byte("v2"),
			Columns: map[string]any{"PostalCode": "9000", "Total": nil},
		})
	})
	row, err := be.Get(ctx, "Order", "o1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("v2"), row.Payload)
	assert.Equal(t, "9000", row.Columns["PostalCode"])
	assert.Nil(t, row.Columns["Total"])

	tx, err := be.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	err = tx.Update(ctx, "Order", backend.Row{ID: "o2", Payload: []byte("x")})
	require.ErrorIs(t, err, backend.ErrRowNotFound)
}

func testDelete(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	createOrders(t, be)
	insertOrder(t, be, "o1", "8700", 100)

	write(t, be, func(tx backend.Tx) error {
		deleted, err := tx.Delete(ctx, "Order", "o1")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = tx.Delete(ctx, "Order", "o1")
		require.NoError(t, err)
		assert.False(t, deleted)
		return nil
	})

	row, err := be.Get(ctx, "Order", "o1")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func testRollback(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	createOrders(t, be)

	tx, err := be.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, "Order", backend.Row{ID: "o1", Payload: []byte("x")}))
	require.NoError(t, tx.Rollback())

	row, err := be.Get(ctx, "Order", "o1")
	require.NoError(t, err)
	assert.Nil(t, row)

	tx, err = be.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback(), "Rollback after Commit must be harmless")
}

func testScanOrder(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	require.NoError(t, be.CreateTable(ctx, "Counter", backend.Int))
	write(t, be, func(tx backend.Tx) error {
		for _, id := range []int64{300, -5, 2, 1 << 40, 0} {
			if err := tx.Insert(ctx, "Counter", backend.Row{ID: id, Payload: []byte{1}}); err != nil {
				return err
			}
		}
		return nil
	})

	rows, err := be.Scan(ctx, "Counter", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(-5), int64(0), int64(2), int64(300), int64(1 << 40)}, ids(rows))

	rows, err = be.Scan(ctx, "Counter", backend.Cond{Column: backend.IDColumn, Op: backend.Gt, Value: int64(0)})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), int64(300), int64(1 << 40)}, ids(rows))
}

func testScanFilter(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	createOrders(t, be)
	insertOrder(t, be, "o1", "8700", 100)
	insertOrder(t, be, "o2", "9000", 250)
	insertOrder(t, be, "o3", "8700", 400)
	write(t, be, func(tx backend.Tx) error {
		return tx.Insert(ctx, "Order", backend.Row{ID: "o4", Payload: []byte("x")})
	})

	testCases := []struct {
		name   string
		filter backend.Filter
		want   []any
	}{
		{"All", nil, []any{"o1", "o2", "o3", "o4"}},
		{"Eq", backend.Cond{Column: "PostalCode", Op: backend.Eq, Value: "8700"}, []any{"o1", "o3"}},
		{"NeSkipsNull", backend.Cond{Column: "PostalCode", Op: backend.Ne, Value: "8700"}, []any{"o2"}},
		{"And", backend.And{
			backend.Cond{Column: "PostalCode", Op: backend.Eq, Value: "8700"},
			backend.Cond{Column: "Total", Op: backend.Gt, Value: int64(200)},
		}, []any{"o3"}},
		{"Or", backend.Or{
			backend.Cond{Column: "PostalCode", Op: backend.Eq, Value: "9000"},
			backend.Cond{Column: "Total", Op: backend.Le, Value: int64(100)},
		}, []any{"o1", "o2"}},
		{"EmptyOr", backend.Or{}, []any{}},
	}

	for _, testCase := range testCases {
		rows, err := be.Scan(ctx, "Order", testCase.filter)
		require.NoError(t, err, testCase.name)
		assert.Equal(t, testCase.want, ids(rows), testCase.name)
	}

	_, err := be.Scan(ctx, "Order", backend.Cond{Column: "Nope", Op: backend.Eq, Value: "x"})
	require.Error(t, err, "unknown column must be rejected")
}

func testScalarRoundTrip(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	cols := []backend.Column{
		{Name: "F", Type: backend.Float},
		{Name: "B", Type: backend.Bool},
		{Name: "T", Type: backend.Time},
		{Name: "X", Type: backend.Bytes},
	}
	require.NoError(t, be.CreateTable(ctx, "Scalars", backend.String))
	for _, col := range cols {
		require.NoError(t, be.AddColumn(ctx, "Scalars", col))
	}
	when := time.Date(2024, 5, 17, 10, 30, 0, 123456789, time.UTC)
	write(t, be, func(tx backend.Tx) error {
		return tx.Insert(ctx, "Scalars", backend.Row{
			ID:      "s1",
			Payload: []byte{0},
			Columns: map[string]any{"F": 2.5, "B": true, "T": when, "X": []byte{7, 8}},
		})
	})

	row, err := be.Get(ctx, "Scalars", "s1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 2.5, row.Columns["F"])
	assert.Equal(t, true, row.Columns["B"])
	assert.Equal(t, []byte{7, 8}, row.Columns["X"])
	got, ok := row.Columns["T"].(time.Time)
	require.True(t, ok, "T is %T", row.Columns["T"])
	assert.True(t, when.Equal(got), "got %v, want %v", got, when)

	rows, err := be.Scan(ctx, "Scalars", backend.Cond{Column: "T", Op: backend.Lt, Value: when.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = be.Scan(ctx, "Scalars", backend.Cond{Column: "B", Op: backend.Eq, Value: false})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testTimeRange(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	require.NoError(t, be.CreateTable(ctx, "Events", backend.String))
	require.NoError(t, be.AddColumn(ctx, "Events", backend.Column{Name: "At", Type: backend.Time}))
	times := map[string]time.Time{
		"e1": {},
		"e2": time.Date(1500, 3, 1, 12, 0, 0, 0, time.UTC),
		"e3": time.Date(1969, 12, 31, 23, 59, 59, 999999999, time.UTC),
		"e4": time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC),
		"e5": time.Date(2300, 1, 1, 0, 0, 0, 1, time.UTC),
	}
	write(t, be, func(tx backend.Tx) error {
		for id, at := range times {
			err := tx.Insert(ctx, "Events", backend.Row{ID: id, Payload: []byte{0}, Columns: map[string]any{"At": at}})
			if err != nil {
				return err
			}
		}
		return nil
	})

	for id, at := range times {
		row, err := be.Get(ctx, "Events", id)
		require.NoError(t, err)
		got, ok := row.Columns["At"].(time.Time)
		require.True(t, ok, "%s: At is %T", id, row.Columns["At"])
		assert.True(t, at.Equal(got), "%s: got %v, want %v", id, got, at)
	}

	y2k := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	testCases := []struct {
		name   string
		filter backend.Filter
		want   []any
	}{
		{"Lt", backend.Cond{Column: "At", Op: backend.Lt, Value: y2k}, []any{"e1", "e2", "e3"}},
		{"Ge", backend.Cond{Column: "At", Op: backend.Ge, Value: y2k}, []any{"e4", "e5"}},
		{"EqZero", backend.Cond{Column: "At", Op: backend.Eq, Value: time.Time{}}, []any{"e1"}},
		{"GtEpoch", backend.Cond{Column: "At", Op: backend.Gt, Value: time.Unix(0, 0).UTC()}, []any{"e4", "e5"}},
	}
	for _, testCase := range testCases {
		rows, err := be.Scan(ctx, "Events", testCase.filter)
		require.NoError(t, err, testCase.name)
		assert.Equal(t, testCase.want, ids(rows), testCase.name)
	}
}
