// Package sandbox confines user-supplied file paths to a server's root
// directory. Every file operation on a server's data goes through Resolve.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is matched by every *EscapeError.
var ErrPathEscape = errors.New("path escapes sandbox")

// EscapeError reports a user path that resolved outside its root.
type EscapeError struct {
	Root string
	Path string
}

func (e *EscapeError) Error() string {
	return fmt.Sprintf("path %q escapes sandbox root %q", e.Path, e.Root)
}

func (e *EscapeError) Is(target error) bool { return target == ErrPathEscape }

// Resolve returns the absolute, symlink-free location of userPath inside root.
// Absolute user paths are treated as relative to root. The result is rejected
// unless it equals root or lies beneath it, both lexically and after
// following symlinks on the real filesystem.
func Resolve(root, userPath string) (string, error) {
	if strings.ContainsRune(userPath, 0) {
		return "", &EscapeError{Root: root, Path: userPath}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("sandbox root: %w", err)
	}
	realRoot, err := canonical(absRoot)
	if err != nil {
		return "", fmt.Errorf("sandbox root: %w", err)
	}

	rel := filepath.FromSlash(userPath)
	rel = strings.TrimLeft(rel, string(filepath.Separator))
	joined := filepath.Join(absRoot, rel)
	if !within(absRoot, joined) {
		return "", &EscapeError{Root: root, Path: userPath}
	}

	suffix, _ := filepath.Rel(absRoot, joined)
	target, err := canonical(filepath.Join(realRoot, suffix))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", userPath, err)
	}
	if !within(realRoot, target) {
		return "", &EscapeError{Root: root, Path: userPath}
	}
	return target, nil
}

// Rel returns the root-relative, slash-separated form of a resolved path.
func Rel(root, resolved string) (string, error) {
	realRoot, err := canonical(root)
	if err != nil {
		return "", err
	}
	r, err := filepath.Rel(realRoot, resolved)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(r), nil
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}

// canonical follows symlinks for the deepest existing ancestor of p and
// re-appends the components that do not exist yet. Dangling links are
// followed to their target so a write cannot land outside through them.
func canonical(p string) (string, error) {
	cur := filepath.Clean(p)
	var missing []string
	for hops := 0; ; {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				real = filepath.Join(real, missing[i])
			}
			return real, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
			if hops++; hops > 40 {
				return "", fmt.Errorf("too many links resolving %q", p)
			}
			dest, rerr := os.Readlink(cur)
			if rerr != nil {
				return "", rerr
			}
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(filepath.Dir(cur), dest)
			}
			cur = filepath.Clean(dest)
			continue
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return filepath.Clean(p), nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

// IsProtected reports whether a root-relative path names a file the running
// game server holds open and that must be left out of backups.
func IsProtected(rel string) bool {
	base := filepath.Base(filepath.FromSlash(rel))
	return base == "session.lock" || strings.HasSuffix(base, ".lck")
}
