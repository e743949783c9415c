package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/store"
	"github.com/treeverse/claimload/pkg/store/params"
	"github.com/treeverse/claimload/pkg/store/sqlite"
	"github.com/treeverse/claimload/pkg/store/storetest"
)

func makeStore(t *testing.T, ctx context.Context) store.Store {
	t.Helper()
	s, err := store.Open(ctx, params.Store{
		Type:   sqlite.DriverName,
		SQLite: &params.SQLite{Path: filepath.Join(t.TempDir(), "claims.db")},
	})
	require.NoError(t, err)
	require.NoError(t, s.Setup(ctx))
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.TestDriver(t, makeStore)
}

func TestOpenMissingPath(t *testing.T) {
	_, err := store.Open(context.Background(), params.Store{Type: sqlite.DriverName})
	if !errors.Is(err, store.ErrDriverConfiguration) {
		t.Fatalf("expected ErrDriverConfiguration, got %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := store.Open(context.Background(), params.Store{Type: "oracle"})
	require.ErrorIs(t, err, store.ErrUnknownDriver)
	require.Contains(t, store.Drivers(), sqlite.DriverName)
}
