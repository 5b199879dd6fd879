package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/gamevisor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteRecords(t *testing.T) {
	db, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	require.NoError(t, db.Write(ctx, "servers", "b", []byte(`{"id":"b"}`)))
	require.NoError(t, db.Write(ctx, "servers", "a", []byte(`{"id":"a"}`)))
	require.NoError(t, db.Write(ctx, "servers", "a", []byte(`{"id":"a","v":2}`)))

	got, err := db.Read(ctx, "servers", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a","v":2}`, string(got))

	items, err := db.List(ctx, "servers")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)

	require.NoError(t, db.Delete(ctx, "servers", "a"))
	_, err = db.Read(ctx, "servers", "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, db.Delete(ctx, "servers", "a"), store.ErrNotFound)

	require.NoError(t, db.DropCollection(ctx, "servers"))
	items, err = db.List(ctx, "servers")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()
	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.Write(ctx, "backups/s1", "b1", []byte(`{"id":"b1"}`)))
	require.NoError(t, db.Close())

	db2, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })
	got, err := db2.Read(ctx, "backups/s1", "b1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"b1"}`, string(got))
}

func TestEmptyPath(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
