// Package atomicfile writes files so that readers observe either the old
// content or the complete new content, never a partial write. The new data
// goes to a temporary file in the destination directory, is flushed with
// fsync, and is renamed over the destination. The directory is synced so
// the rename itself survives a crash.
package atomicfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// TempMarker is part of every temporary file name so stale leftovers from a
// killed process can be recognised and removed.
const TempMarker = ".tmp-"

// File is a pending atomic replacement of path. Write to it, then call
// Commit to publish or Abort to discard.
type File struct {
	*os.File
	path string
	perm os.FileMode
	done bool

	// BeforeRename, if set, runs after the data is flushed and before the
	// rename. A non-nil error aborts the commit.
	BeforeRename func(tmpPath string) error
}

// Create opens a temporary file next to path.
func Create(path string, perm os.FileMode) (*File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+TempMarker+"*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &File{File: tmp, path: path, perm: perm}, nil
}

// Commit flushes the temporary file and renames it over the destination.
// Once the rename succeeds Commit reports success.
func (f *File) Commit() error {
	if f.done {
		return errors.New("atomicfile: already committed or aborted")
	}
	tmpPath := f.Name()
	fail := func(err error) error {
		_ = f.Abort()
		return err
	}
	if err := f.Chmod(f.perm); err != nil {
		return fail(fmt.Errorf("chmod temp file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := f.Close(); err != nil {
		return fail(fmt.Errorf("close temp file: %w", err))
	}
	if f.BeforeRename != nil {
		if err := f.BeforeRename(tmpPath); err != nil {
			return fail(err)
		}
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fail(fmt.Errorf("rename into place: %w", err))
	}
	f.done = true
	// The new content is in place; a failed directory sync only weakens
	// crash durability of the rename.
	if err := syncDir(filepath.Dir(f.path)); err != nil {
		slog.Default().Warn("atomicfile: directory sync after rename failed", "path", f.path, "error", err)
	}
	return nil
}

// Abort discards the temporary file. It is safe to call after Commit.
func (f *File) Abort() error {
	if f.done {
		return nil
	}
	f.done = true
	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	return WriteFileHook(path, data, perm, nil)
}

// WriteFileHook is WriteFile with a BeforeRename hook.
func WriteFileHook(path string, data []byte, perm os.FileMode, beforeRename func(string) error) error {
	f, err := Create(path, perm)
	if err != nil {
		return err
	}
	f.BeforeRename = beforeRename
	if _, err := f.Write(data); err != nil {
		_ = f.Abort()
		return fmt.Errorf("write temp file: %w", err)
	}
	return f.Commit()
}

// CleanStale removes temporary files left in dir by an interrupted write.
func CleanStale(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), ".") && strings.Contains(e.Name(), TempMarker) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

var syncDir = syncDirFS

func syncDirFS(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer func() { _ = d.Close() }()
	// Some filesystems do not support fsync on directories.
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
