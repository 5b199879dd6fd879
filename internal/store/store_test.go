package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loykin/gamevisor/internal/store"
	"github.com/loykin/gamevisor/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	ID   string `json:"id"`
	Port int    `json:"port"`
}

func TestTypedHelpers(t *testing.T) {
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, db, "servers", "b", server{ID: "b", Port: 2}))
	require.NoError(t, store.Put(ctx, db, "servers", "a", server{ID: "a", Port: 1}))

	got, err := store.Get[server](ctx, db, "servers", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Port)

	all, err := store.All[server](ctx, db, "servers")
	require.NoError(t, err)
	assert.Equal(t, []server{{ID: "a", Port: 1}, {ID: "b", Port: 2}}, all)

	_, err = store.Get[server](ctx, db, "servers", "zzz")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutUnencodable(t *testing.T) {
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	err = store.Put(context.Background(), db, "servers", "x", func() {})
	var we *store.WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "x", we.ID)
}

func TestWriteErrorUnwrap(t *testing.T) {
	base := errors.New("disk full")
	err := error(&store.WriteError{Collection: "servers", ID: "s1", Err: base})
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "servers/s1")
}
