package manager

import (
	"context"
	"io"

	"github.com/loykin/gamevisor/internal/lock"
	"github.com/loykin/gamevisor/internal/model"
	"github.com/loykin/gamevisor/internal/sandbox"
)

// files returns the sandboxed file view of an existing server.
func (m *Manager) files(ctx context.Context, id string) (*sandbox.FS, error) {
	if _, err := m.GetServer(ctx, id); err != nil {
		return nil, err
	}
	return sandbox.New(m.dataDir(id))
}

func (m *Manager) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	fsys, err := m.files(ctx, id)
	if err != nil {
		return nil, err
	}
	return fsys.ReadFile(path)
}

func (m *Manager) ListFiles(ctx context.Context, id, path string) ([]sandbox.Entry, error) {
	fsys, err := m.files(ctx, id)
	if err != nil {
		return nil, err
	}
	return fsys.List(path)
}

// WriteFile atomically replaces a file inside the server root.
func (m *Manager) WriteFile(ctx context.Context, id, path string, data []byte) error {
	return m.fileOp(ctx, id, func(fsys *sandbox.FS) error { return fsys.WriteFile(path, data) })
}

// UploadFile streams r into a file inside the server root.
func (m *Manager) UploadFile(ctx context.Context, id, path string, r io.Reader) (int64, error) {
	var n int64
	err := m.fileOp(ctx, id, func(fsys *sandbox.FS) error {
		var err error
		n, err = fsys.Upload(path, r)
		return err
	})
	return n, err
}

// ExtractArchive unpacks a zip already inside the server root into destDir.
func (m *Manager) ExtractArchive(ctx context.Context, id, archive, destDir string) (int, error) {
	var n int
	err := m.fileOp(ctx, id, func(fsys *sandbox.FS) error {
		var err error
		n, err = fsys.ExtractZip(archive, destDir)
		return err
	})
	return n, err
}

func (m *Manager) Mkdir(ctx context.Context, id, path string) error {
	return m.fileOp(ctx, id, func(fsys *sandbox.FS) error { return fsys.Mkdir(path) })
}

func (m *Manager) RemoveFile(ctx context.Context, id, path string) error {
	return m.fileOp(ctx, id, func(fsys *sandbox.FS) error { return fsys.Remove(path) })
}

func (m *Manager) fileOp(ctx context.Context, id string, fn func(*sandbox.FS) error) error {
	if err := model.ValidateID("server_id", id); err != nil {
		return err
	}
	return m.locked(ctx, id, lock.OpFileWrite, func(ctx context.Context) error {
		fsys, err := m.files(ctx, id)
		if err != nil {
			return err
		}
		return fn(fsys)
	})
}
