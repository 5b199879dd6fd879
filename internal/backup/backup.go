// Package backup archives server data directories and restores them through
// a staging directory, so a failed restore never touches the live files.
// The engine does not lock; callers hold the server lock around each call.
package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/loykin/gamevisor/internal/atomicfile"
	"github.com/loykin/gamevisor/internal/event"
	"github.com/loykin/gamevisor/internal/metrics"
	"github.com/loykin/gamevisor/internal/model"
	"github.com/loykin/gamevisor/internal/sandbox"
	"github.com/loykin/gamevisor/internal/store"
)

const archiveExt = ".tar.gz"

var (
	// ErrBackupLocked is returned when deleting a locked backup.
	ErrBackupLocked = errors.New("backup is locked")
	// ErrArchiveCorrupt is matched by every *ArchiveCorruptError.
	ErrArchiveCorrupt = errors.New("backup archive is corrupt")
)

// ArchiveCorruptError aborts a restore before the data directory is swapped.
type ArchiveCorruptError struct {
	BackupID string
	Err      error
}

func (e *ArchiveCorruptError) Error() string {
	return fmt.Sprintf("backup %s: archive corrupt: %v", e.BackupID, e.Err)
}

func (e *ArchiveCorruptError) Unwrap() error { return e.Err }

func (e *ArchiveCorruptError) Is(target error) bool { return target == ErrArchiveCorrupt }

// Engine stores archives under <dir>/<serverID>/<backupID>.tar.gz and their
// records in the backups/<serverID> collection.
type Engine struct {
	dir    string
	store  store.Store
	bus    event.Publisher
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Engine)

func WithPublisher(p event.Publisher) Option { return func(e *Engine) { e.bus = p } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(dir string, st store.Store, opts ...Option) (*Engine, error) {
	if dir == "" {
		return nil, errors.New("backup dir required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	e := &Engine{dir: dir, store: st, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func (e *Engine) archivePath(serverID, backupID string) string {
	return filepath.Join(e.dir, serverID, backupID+archiveExt)
}

// Create archives dataDir, skipping protected files, and persists a record.
// Progress is published as the archive is written.
func (e *Engine) Create(ctx context.Context, serverID, dataDir, description string, typ model.BackupType) (model.BackupRecord, error) {
	if err := model.ValidateID("server_id", serverID); err != nil {
		return model.BackupRecord{}, err
	}
	if typ == "" {
		typ = model.BackupManual
	}
	rec := model.BackupRecord{
		ID:          uuid.NewString(),
		ServerID:    serverID,
		Description: description,
		CreatedAt:   e.now().UTC(),
		Type:        typ,
	}
	rec.File = rec.ID + archiveExt
	e.status(rec, "create", "running", nil)

	size, err := e.writeArchive(ctx, rec, dataDir)
	if err != nil {
		metrics.IncBackup("create", "error")
		e.status(rec, "create", "failed", err)
		return model.BackupRecord{}, err
	}
	rec.Size = size
	if err := store.Put(ctx, e.store, model.BackupsCollection(serverID), rec.ID, rec); err != nil {
		_ = os.Remove(e.archivePath(serverID, rec.ID))
		metrics.IncBackup("create", "error")
		e.status(rec, "create", "failed", err)
		return model.BackupRecord{}, err
	}
	metrics.IncBackup("create", "ok")
	metrics.AddBackupBytes(size)
	e.status(rec, "create", "completed", nil)
	e.logger.Info("backup created", "server", serverID, "backup", rec.ID, "size", size)
	return rec, nil
}

type entry struct {
	rel  string
	path string
	info fs.FileInfo
}

func (e *Engine) writeArchive(ctx context.Context, rec model.BackupRecord, dataDir string) (int64, error) {
	entries, total, err := collect(dataDir)
	if err != nil {
		return 0, err
	}

	out, err := atomicfile.Create(e.archivePath(rec.ServerID, rec.ID), 0o640)
	if err != nil {
		return 0, err
	}
	gz, err := gzip.NewWriterLevel(out, gzip.DefaultCompression)
	if err != nil {
		_ = out.Abort()
		return 0, err
	}
	tw := tar.NewWriter(gz)
	pr := &progress{total: total, report: func(pct int) {
		e.publish(event.TopicBackupProgress, rec.ServerID, event.BackupProgressPayload{
			ServerID: rec.ServerID, BackupID: rec.ID, Percent: pct,
		})
	}}

	fail := func(err error) (int64, error) {
		_ = out.Abort()
		return 0, err
	}
	for _, en := range entries {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := addEntry(tw, en, pr); err != nil {
			return fail(fmt.Errorf("archive %s: %w", en.rel, err))
		}
	}
	if err := tw.Close(); err != nil {
		return fail(err)
	}
	if err := gz.Close(); err != nil {
		return fail(err)
	}
	pr.finish()
	fi, err := out.Stat()
	if err != nil {
		return fail(err)
	}
	if err := out.Commit(); err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// collect lists regular files and directories under root in walk order.
// Symlinks are not archived.
func collect(root string) ([]entry, int64, error) {
	var (
		entries []entry
		total   int64
	)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if sandbox.IsProtected(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
		case info.Mode().IsRegular():
			total += info.Size()
		default:
			return nil
		}
		entries = append(entries, entry{rel: rel, path: p, info: info})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("walk %s: %w", root, err)
	}
	return entries, total, nil
}

func addEntry(tw *tar.Writer, en entry, pr *progress) error {
	hdr, err := tar.FileInfoHeader(en.info, "")
	if err != nil {
		return err
	}
	hdr.Name = en.rel
	if en.info.IsDir() {
		hdr.Name += "/"
		return tw.WriteHeader(hdr)
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(en.path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(io.MultiWriter(tw, pr), io.LimitReader(f, en.info.Size()))
	return err
}

// progress reports whole-percent steps of bytes written against total.
type progress struct {
	total   int64
	written int64
	last    int
	report  func(int)
}

func (p *progress) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total > 0 {
		pct := int(p.written * 100 / p.total)
		if pct > 99 {
			pct = 99
		}
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return len(b), nil
}

func (p *progress) finish() {
	p.last = 100
	p.report(100)
}

// Restore replaces dataDir with the archive's contents. The archive is
// extracted to a staging directory beside dataDir first; any failure returns
// *ArchiveCorruptError and leaves dataDir untouched. The caller must ensure
// the server is OFFLINE.
func (e *Engine) Restore(ctx context.Context, serverID, backupID, dataDir string) error {
	rec, err := e.Get(ctx, serverID, backupID)
	if err != nil {
		return err
	}
	e.status(rec, "restore", "running", nil)
	err = e.restore(ctx, rec, dataDir)
	if err != nil {
		metrics.IncBackup("restore", "error")
		e.status(rec, "restore", "failed", err)
		return err
	}
	metrics.IncBackup("restore", "ok")
	e.status(rec, "restore", "completed", nil)
	e.logger.Info("backup restored", "server", serverID, "backup", backupID)
	return nil
}

func (e *Engine) restore(ctx context.Context, rec model.BackupRecord, dataDir string) error {
	dataDir = filepath.Clean(dataDir)
	parent, base := filepath.Split(dataDir)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(parent, "."+base+".restore-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := extract(ctx, e.archivePath(rec.ServerID, rec.ID), staging); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &ArchiveCorruptError{BackupID: rec.ID, Err: err}
	}
	return swap(dataDir, staging)
}

// swap moves staging into place, keeping the old directory until the new one
// is installed.
func swap(dataDir, staging string) error {
	if _, err := os.Lstat(dataDir); errors.Is(err, fs.ErrNotExist) {
		return os.Rename(staging, dataDir)
	}
	old := staging + ".old"
	if err := os.Rename(dataDir, old); err != nil {
		return fmt.Errorf("move data dir aside: %w", err)
	}
	if err := os.Rename(staging, dataDir); err != nil {
		if rerr := os.Rename(old, dataDir); rerr != nil {
			return fmt.Errorf("install restored dir: %w (rollback failed: %v)", err, rerr)
		}
		return fmt.Errorf("install restored dir: %w", err)
	}
	return os.RemoveAll(old)
}

func extract(ctx context.Context, archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer func() { _ = gr.Close() }()

	tr := tar.NewReader(gr)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := sandbox.Resolve(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			written += hdr.Size
			if written > sandbox.MaxExtractSize {
				return fmt.Errorf("archive expands past %d bytes", sandbox.MaxExtractSize)
			}
			if err := writeFile(target, tr, hdr); err != nil {
				return fmt.Errorf("%s: %w", hdr.Name, err)
			}
		default:
			return fmt.Errorf("%s: unsupported entry type %q", hdr.Name, hdr.Typeflag)
		}
	}
}

func writeFile(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	mode := os.FileMode(hdr.Mode).Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n != hdr.Size {
		return fmt.Errorf("short entry: %d of %d bytes", n, hdr.Size)
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

// Delete removes the archive and the record unless the backup is locked.
func (e *Engine) Delete(ctx context.Context, serverID, backupID string) error {
	rec, err := e.Get(ctx, serverID, backupID)
	if err != nil {
		return err
	}
	if rec.Locked {
		return fmt.Errorf("%w: %s", ErrBackupLocked, backupID)
	}
	if err := e.store.Delete(ctx, model.BackupsCollection(serverID), backupID); err != nil {
		metrics.IncBackup("delete", "error")
		return err
	}
	if err := os.Remove(e.archivePath(serverID, backupID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.logger.Warn("backup archive not removed", "server", serverID, "backup", backupID, "error", err)
	}
	metrics.IncBackup("delete", "ok")
	e.status(rec, "delete", "completed", nil)
	return nil
}

// DeleteAll removes every archive and record of a server, locked or not.
// It is used when the server itself is deleted.
func (e *Engine) DeleteAll(ctx context.Context, serverID string) error {
	if err := model.ValidateID("server_id", serverID); err != nil {
		return err
	}
	if err := e.store.DropCollection(ctx, model.BackupsCollection(serverID)); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(e.dir, serverID))
}

func (e *Engine) SetLocked(ctx context.Context, serverID, backupID string, locked bool) (model.BackupRecord, error) {
	return e.update(ctx, serverID, backupID, func(r *model.BackupRecord) { r.Locked = locked })
}

func (e *Engine) SetDescription(ctx context.Context, serverID, backupID, description string) (model.BackupRecord, error) {
	return e.update(ctx, serverID, backupID, func(r *model.BackupRecord) { r.Description = description })
}

func (e *Engine) update(ctx context.Context, serverID, backupID string, fn func(*model.BackupRecord)) (model.BackupRecord, error) {
	rec, err := e.Get(ctx, serverID, backupID)
	if err != nil {
		return model.BackupRecord{}, err
	}
	fn(&rec)
	if err := store.Put(ctx, e.store, model.BackupsCollection(serverID), backupID, rec); err != nil {
		return model.BackupRecord{}, err
	}
	return rec, nil
}

// Get returns one record; a missing backup wraps store.ErrNotFound.
func (e *Engine) Get(ctx context.Context, serverID, backupID string) (model.BackupRecord, error) {
	if err := model.ValidateID("server_id", serverID); err != nil {
		return model.BackupRecord{}, err
	}
	if err := model.ValidateID("backup_id", backupID); err != nil {
		return model.BackupRecord{}, err
	}
	rec, err := store.Get[model.BackupRecord](ctx, e.store, model.BackupsCollection(serverID), backupID)
	if err != nil {
		return model.BackupRecord{}, fmt.Errorf("backup %s: %w", backupID, err)
	}
	return rec, nil
}

// List returns a server's backups, newest first.
func (e *Engine) List(ctx context.Context, serverID string) ([]model.BackupRecord, error) {
	if err := model.ValidateID("server_id", serverID); err != nil {
		return nil, err
	}
	recs, err := store.All[model.BackupRecord](ctx, e.store, model.BackupsCollection(serverID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}

// Open returns a reader over the archive for download.
func (e *Engine) Open(ctx context.Context, serverID, backupID string) (io.ReadCloser, model.BackupRecord, error) {
	rec, err := e.Get(ctx, serverID, backupID)
	if err != nil {
		return nil, model.BackupRecord{}, err
	}
	f, err := os.Open(e.archivePath(serverID, backupID))
	if err != nil {
		return nil, model.BackupRecord{}, err
	}
	return f, rec, nil
}

// Usage is the sum of all backup sizes for a server.
func (e *Engine) Usage(ctx context.Context, serverID string) (int64, error) {
	recs, err := e.List(ctx, serverID)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, r := range recs {
		n += r.Size
	}
	return n, nil
}

func (e *Engine) status(rec model.BackupRecord, op, state string, err error) {
	p := event.BackupStatusPayload{ServerID: rec.ServerID, BackupID: rec.ID, Op: op, State: state}
	if err != nil {
		p.Error = err.Error()
	}
	e.publish(event.TopicBackupStatus, rec.ServerID, p)
}

func (e *Engine) publish(topic event.Topic, serverID string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(event.Event{Topic: topic, ServerID: serverID, Time: time.Now().UTC(), Payload: payload})
}
