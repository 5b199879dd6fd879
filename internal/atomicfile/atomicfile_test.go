package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileReplaces(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.json")
	require.NoError(t, WriteFile(p, []byte("one"), 0o600))
	require.NoError(t, WriteFile(p, []byte("two"), 0o600))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))
}

func TestFailedRenameKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.json")
	require.NoError(t, WriteFile(p, []byte("old"), 0o600))

	boom := errors.New("killed")
	err := WriteFileHook(p, []byte("new-but-lost"), 0o600, func(string) error { return boom })
	require.ErrorIs(t, err, boom)

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))

	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 1, "temp file must be cleaned up")
}

func TestCleanStale(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".a.json"+TempMarker+"123")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte("{}"), 0o600))
	require.NoError(t, CleanStale(dir))
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "a.json"))
	assert.NoError(t, err)
}

func TestAbortAfterCommitIsNoop(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x")
	f, err := Create(p, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("data")
	require.NoError(t, err)
	require.NoError(t, f.Commit())
	assert.NoError(t, f.Abort())
	assert.Error(t, f.Commit())
}

func TestDirSyncFailureAfterRenameIsSuccess(t *testing.T) {
	orig := syncDir
	syncDir = func(string) error { return errors.New("sync dir: input/output error") }
	t.Cleanup(func() { syncDir = orig })

	p := filepath.Join(t.TempDir(), "a.json")
	require.NoError(t, WriteFile(p, []byte("one"), 0o600))
	require.NoError(t, WriteFile(p, []byte("two"), 0o600))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))

	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
