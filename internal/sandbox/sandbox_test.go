package sandbox

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func realTemp(t *testing.T) string {
	t.Helper()
	d, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return d
}

func TestResolveInside(t *testing.T) {
	root := realTemp(t)
	cases := map[string]string{
		"server.properties": filepath.Join(root, "server.properties"),
		"world/level.dat":   filepath.Join(root, "world", "level.dat"),
		"./a/./b":           filepath.Join(root, "a", "b"),
		"a/../b":            filepath.Join(root, "b"),
		"/config/paper.yml": filepath.Join(root, "config", "paper.yml"),
		"":                  root,
		".":                 root,
	}
	for in, want := range cases {
		got, err := Resolve(root, in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	root := realTemp(t)
	for _, in := range []string{"..", "../x", "a/../../x", "../../../../etc/passwd", "world/../../secret", "bad\x00name"} {
		_, err := Resolve(root, in)
		require.Error(t, err, in)
		assert.ErrorIs(t, err, ErrPathEscape, in)
		var ee *EscapeError
		assert.ErrorAs(t, err, &ee, in)
	}
}

func TestResolveRejectsSiblingPrefix(t *testing.T) {
	parent := realTemp(t)
	root := filepath.Join(parent, "srv")
	require.NoError(t, os.MkdirAll(root, 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(parent, "srv2"), 0o750))
	_, err := Resolve(root, "../srv2/file")
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := realTemp(t)
	outside := realTemp(t)
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "nope.txt"), filepath.Join(root, "dangling")))

	for _, in := range []string{"link", "link/file.txt", "link/new/dir/file", "dangling"} {
		_, err := Resolve(root, in)
		assert.ErrorIs(t, err, ErrPathEscape, in)
	}
}

func TestResolveAllowsInternalSymlink(t *testing.T) {
	root := realTemp(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "world"), 0o750))
	require.NoError(t, os.Symlink(filepath.Join(root, "world"), filepath.Join(root, "w")))
	got, err := Resolve(root, "w/level.dat")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "world", "level.dat"), got)
}

func TestEscapeTouchesNothing(t *testing.T) {
	parent := realTemp(t)
	root := filepath.Join(parent, "srv")
	fs, err := New(root)
	require.NoError(t, err)

	assert.ErrorIs(t, fs.WriteFile("../evil.txt", []byte("x")), ErrPathEscape)
	_, err = fs.Upload("../evil.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrPathEscape)
	assert.ErrorIs(t, fs.Mkdir("../evil"), ErrPathEscape)
	assert.ErrorIs(t, fs.Remove("../srv"), ErrPathEscape)

	_, err = os.Stat(filepath.Join(parent, "evil.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(parent, "evil"))
	assert.True(t, os.IsNotExist(err))
}

func TestFSOperations(t *testing.T) {
	fs, err := New(realTemp(t))
	require.NoError(t, err)

	require.NoError(t, fs.WriteFile("config/server.properties", []byte("motd=hi\n")))
	b, err := fs.ReadFile("config/server.properties")
	require.NoError(t, err)
	assert.Equal(t, "motd=hi\n", string(b))

	n, err := fs.Upload("plugins/x.jar", bytes.NewReader([]byte("jar")))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	require.NoError(t, fs.Mkdir("world"))
	entries, err := fs.List("")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, "config", entries[0].Name)

	require.NoError(t, fs.Remove("plugins"))
	_, err = fs.ReadFile("plugins/x.jar")
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, fs.Remove(""))
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestExtractZip(t *testing.T) {
	root := realTemp(t)
	fs, err := New(root)
	require.NoError(t, err)
	writeZip(t, filepath.Join(root, "pack.zip"), map[string]string{
		"mods/a.jar":    "a",
		"config/b.toml": "b",
	})
	n, err := fs.ExtractZip("pack.zip", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	b, err := fs.ReadFile("mods/a.jar")
	require.NoError(t, err)
	assert.Equal(t, "a", string(b))
}

func TestExtractZipSlipWritesNothing(t *testing.T) {
	parent := realTemp(t)
	root := filepath.Join(parent, "srv")
	fs, err := New(root)
	require.NoError(t, err)
	writeZip(t, filepath.Join(root, "evil.zip"), map[string]string{
		"ok.txt":            "fine",
		"../../escaped.txt": "bad",
	})
	_, err = fs.ExtractZip("evil.zip", "")
	assert.ErrorIs(t, err, ErrPathEscape)
	_, err = os.Stat(filepath.Join(root, "ok.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(parent, "escaped.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestIsProtected(t *testing.T) {
	assert.True(t, IsProtected("world/session.lock"))
	assert.True(t, IsProtected("db/store.lck"))
	assert.False(t, IsProtected("world/level.dat"))
}
