package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/loykin/gamevisor/internal/atomicfile"
)

// MaxExtractSize bounds the total uncompressed size of one zip extraction.
const MaxExtractSize int64 = 8 << 30

// Entry describes one item of a directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

// FS performs file operations confined to a single root directory.
type FS struct {
	root string
}

// New returns an FS rooted at root, creating the directory if needed.
func New(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, err
	}
	return &FS{root: root}, nil
}

func (f *FS) Root() string { return f.root }

func (f *FS) Resolve(p string) (string, error) { return Resolve(f.root, p) }

func (f *FS) ReadFile(p string) ([]byte, error) {
	abs, err := f.Resolve(p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// WriteFile atomically replaces the file at p, creating parent directories.
func (f *FS) WriteFile(p string, data []byte) error {
	abs, err := f.Resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return err
	}
	return atomicfile.WriteFile(abs, data, 0o644)
}

// Upload streams r into p and returns the number of bytes written. A failed
// upload leaves any previous file at p untouched.
func (f *FS) Upload(p string, r io.Reader) (int64, error) {
	abs, err := f.Resolve(p)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return 0, err
	}
	af, err := atomicfile.Create(abs, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(af, r)
	if err != nil {
		_ = af.Abort()
		return n, err
	}
	return n, af.Commit()
}

func (f *FS) Mkdir(p string) error {
	abs, err := f.Resolve(p)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, 0o750)
}

// List returns the entries of directory p sorted with directories first.
func (f *FS) List(p string) ([]Entry, error) {
	abs, err := f.Resolve(p)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			continue
		}
		rel, err := Rel(f.root, filepath.Join(abs, de.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			Name:    de.Name(),
			Path:    rel,
			Size:    info.Size(),
			IsDir:   de.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Remove deletes p recursively. The root itself cannot be removed.
func (f *FS) Remove(p string) error {
	abs, err := f.Resolve(p)
	if err != nil {
		return err
	}
	realRoot, err := canonical(f.root)
	if err != nil {
		return err
	}
	if abs == realRoot {
		return errors.New("refusing to remove sandbox root")
	}
	if _, err := os.Lstat(abs); err != nil {
		return err
	}
	return os.RemoveAll(abs)
}

// ExtractZip unpacks the zip archive at archive (a sandboxed path) into
// destDir. Every entry is resolved before anything is written, so an archive
// with a single escaping entry writes nothing.
func (f *FS) ExtractZip(archive, destDir string) (int, error) {
	src, err := f.Resolve(archive)
	if err != nil {
		return 0, err
	}
	if _, err := f.Resolve(destDir); err != nil {
		return 0, err
	}
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	targets := make([]string, len(zr.File))
	var total uint64
	for i, zf := range zr.File {
		t, err := f.Resolve(filepath.Join(filepath.FromSlash(destDir), filepath.FromSlash(zf.Name)))
		if err != nil {
			return 0, err
		}
		if zf.Mode()&os.ModeSymlink != 0 {
			return 0, &EscapeError{Root: f.root, Path: zf.Name}
		}
		total += zf.UncompressedSize64
		targets[i] = t
	}
	if total > uint64(MaxExtractSize) {
		return 0, fmt.Errorf("zip expands to %d bytes, limit %d", total, MaxExtractSize)
	}

	n := 0
	for i, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(targets[i], 0o750); err != nil {
				return n, err
			}
			continue
		}
		if err := extractOne(zf, targets[i]); err != nil {
			return n, fmt.Errorf("extract %s: %w", zf.Name, err)
		}
		n++
	}
	return n, nil
}

func extractOne(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(rc, int64(zf.UncompressedSize64)+1)); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
