package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/loykin/gamevisor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rec struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	db, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, db, "servers", "s1", rec{ID: "s1", Value: 1}))
	require.NoError(t, store.Put(ctx, db, "servers", "s2", rec{ID: "s2", Value: 2}))

	got, err := store.Get[rec](ctx, db, "servers", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value)

	all, err := store.All[rec](ctx, db, "servers")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s1", all[0].ID)

	require.NoError(t, db.Delete(ctx, "servers", "s1"))
	_, err = db.Read(ctx, "servers", "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, db.Delete(ctx, "servers", "s1"), store.ErrNotFound)
}

func TestNestedCollectionAndDrop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, db.Write(ctx, "backups/s1", "b1", []byte(`{"id":"b1"}`)))
	_, err = os.Stat(filepath.Join(dir, "backups", "s1.json"))
	require.NoError(t, err)

	require.NoError(t, db.DropCollection(ctx, "backups/s1"))
	items, err := db.List(ctx, "backups/s1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRejectsEscapingCollection(t *testing.T) {
	db, err := New(t.TempDir())
	require.NoError(t, err)
	err = db.Write(context.Background(), "../outside", "x", []byte(`{}`))
	var we *store.WriteError
	assert.ErrorAs(t, err, &we)
}

func TestInterruptedWriteKeepsPreviousValue(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, db, "servers", "s1", rec{ID: "s1", Value: 1}))

	crashing, err := New(dir, WithBeforeRename(func(string) error { return fmt.Errorf("power loss") }))
	require.NoError(t, err)
	err = store.Put(ctx, crashing, "servers", "s1", rec{ID: "s1", Value: 2})
	var we *store.WriteError
	require.ErrorAs(t, err, &we)

	got, err := store.Get[rec](ctx, db, "servers", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value)
}

// TestKilledWriterKeepsPreviousValue re-executes the test binary, which
// SIGKILLs itself after flushing the new collection file but before renaming
// it. The surviving file must hold the prior value.
func TestKilledWriterKeepsPreviousValue(t *testing.T) {
	if dir := os.Getenv("GAMEVISOR_KILL_DIR"); dir != "" {
		db, err := New(dir, WithBeforeRename(func(string) error {
			return syscall.Kill(os.Getpid(), syscall.SIGKILL)
		}))
		if err != nil {
			os.Exit(3)
		}
		_ = store.Put(context.Background(), db, "servers", "s1", rec{ID: "s1", Value: 99})
		os.Exit(4)
	}

	ctx := context.Background()
	dir := t.TempDir()
	db, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, db, "servers", "s1", rec{ID: "s1", Value: 1}))

	cmd := exec.Command(os.Args[0], "-test.run=^TestKilledWriterKeepsPreviousValue$")
	cmd.Env = append(os.Environ(), "GAMEVISOR_KILL_DIR="+dir)
	err = cmd.Run()
	var ee *exec.ExitError
	require.ErrorAs(t, err, &ee)
	ws, ok := ee.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	require.True(t, ws.Signaled(), "child should die from SIGKILL, got %v", err)

	reopened, err := New(dir)
	require.NoError(t, err)
	got, err := store.Get[rec](ctx, reopened, "servers", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value)
}

func TestConcurrentWritersLeaveOneValue(t *testing.T) {
	ctx := context.Background()
	db, err := New(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_ = store.Put(ctx, db, "servers", "s1", rec{ID: "s1", Value: v})
		}(i)
	}
	wg.Wait()

	b, err := db.Read(ctx, "servers", "s1")
	require.NoError(t, err)
	var got rec
	require.NoError(t, json.Unmarshal(b, &got))
	assert.GreaterOrEqual(t, got.Value, 0)
	assert.Less(t, got.Value, 16)
}
