package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreyvit/hybriddb/backend"
	"github.com/andreyvit/hybriddb/backend/backendtest"
	"github.com/andreyvit/hybriddb/backend/sqlite"
)

func openTempBackend(t testing.TB) backend.Backend {
	t.Helper()
	be, err := sqlite.Open(filepath.Join(t.TempDir(), "hybrid.db"), sqlite.Options{})
	require.NoError(t, err)
	return be
}

func TestConformance(t *testing.T) {
	t.Parallel()
	backendtest.Run(t, openTempBackend)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := sqlite.Open("  ", sqlite.Options{})
	require.Error(t, err)
}

func TestAddColumnCreatesIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	be, err := sqlite.Open(filepath.Join(t.TempDir(), "hybrid.db"), sqlite.Options{})
	require.NoError(t, err)
	defer be.Close()

	require.NoError(t, be.CreateTable(ctx, "Order", backend.String))
	require.NoError(t, be.AddColumn(ctx, "Order", backend.Column{Name: "PostalCode", Type: backend.String}))

	var name string
	err = be.DB().QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?", "Order").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "ix_Order_PostalCode", name)
}

func TestColumnsSeesColumnsAddedElsewhere(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	be, err := sqlite.Open(filepath.Join(t.TempDir(), "hybrid.db"), sqlite.Options{})
	require.NoError(t, err)
	defer be.Close()

	require.NoError(t, be.CreateTable(ctx, "Order", backend.String))
	_, err = be.DB().ExecContext(ctx, `ALTER TABLE "Order" ADD COLUMN "Legacy" TEXT`)
	require.NoError(t, err)

	cols, err := be.Columns(ctx, "Order")
	require.NoError(t, err)
	require.Contains(t, cols, backend.Column{Name: "Legacy", Type: backend.String})
}

func TestAddColumnRejectsCaseVariant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	be := openTempBackend(t)
	defer be.Close()

	require.NoError(t, be.CreateTable(ctx, "Order", backend.String))
	require.NoError(t, be.AddColumn(ctx, "Order", backend.Column{Name: "PostalCode", Type: backend.String}))
	require.NoError(t, be.AddColumn(ctx, "Order", backend.Column{Name: "PostalCode", Type: backend.String}))

	err := be.AddColumn(ctx, "Order", backend.Column{Name: "postalcode", Type: backend.String})
	require.ErrorContains(t, err, "column already exists as PostalCode")
	err = be.AddColumn(ctx, "Order", backend.Column{Name: "PostalCode", Type: backend.Int})
	require.ErrorContains(t, err, "column already exists as string")
	err = be.AddColumn(ctx, "Order", backend.Column{Name: "id", Type: backend.String})
	require.ErrorContains(t, err, "column already exists as Id")
}
