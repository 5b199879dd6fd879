package manager

import (
	"context"
	"io"

	"github.com/loykin/gamevisor/internal/history"
	"github.com/loykin/gamevisor/internal/lock"
	"github.com/loykin/gamevisor/internal/model"
)

// CreateBackup archives the server's data directory.
func (m *Manager) CreateBackup(ctx context.Context, id, description string) (model.BackupRecord, error) {
	var rec model.BackupRecord
	err := m.locked(ctx, id, lock.OpBackupCreate, func(ctx context.Context) error {
		var err error
		rec, err = m.createBackupLocked(ctx, id, description, model.BackupManual)
		return err
	})
	return rec, err
}

func (m *Manager) createBackupLocked(ctx context.Context, id, description string, typ model.BackupType) (model.BackupRecord, error) {
	if _, err := m.record(ctx, id); err != nil {
		return model.BackupRecord{}, err
	}
	rec, err := m.backups.Create(ctx, id, m.dataDir(id), description, typ)
	if err == nil {
		m.export(ctx, history.EventBackup, id, rec.ID)
	}
	return rec, err
}

// RestoreBackup stops the server if it is running, waits for OFFLINE and
// replaces its data directory with the backup. A corrupt archive leaves the
// data directory untouched.
func (m *Manager) RestoreBackup(ctx context.Context, id, backupID string) error {
	return m.locked(ctx, id, lock.OpBackupRestore, func(ctx context.Context) error {
		if _, err := m.backups.Get(ctx, id, backupID); err != nil {
			return err
		}
		sup := m.supervisor(id)
		if sup.Status().Running() {
			m.logger.Info("stopping server for restore", "server", id, "backup", backupID)
			if err := m.stopLocked(ctx, id); err != nil {
				return err
			}
		}
		if err := m.backups.Restore(ctx, id, backupID, m.dataDir(id)); err != nil {
			return err
		}
		m.export(ctx, history.EventRestore, id, backupID)
		return nil
	})
}

// DeleteBackup refuses locked backups with backup.ErrBackupLocked.
func (m *Manager) DeleteBackup(ctx context.Context, id, backupID string) error {
	return m.locked(ctx, id, lock.OpBackupDelete, func(ctx context.Context) error {
		return m.backups.Delete(ctx, id, backupID)
	})
}

func (m *Manager) SetBackupLocked(ctx context.Context, id, backupID string, locked bool) (model.BackupRecord, error) {
	var rec model.BackupRecord
	err := m.locked(ctx, id, lock.OpBackupUpdate, func(ctx context.Context) error {
		var err error
		rec, err = m.backups.SetLocked(ctx, id, backupID, locked)
		return err
	})
	return rec, err
}

func (m *Manager) SetBackupDescription(ctx context.Context, id, backupID, description string) (model.BackupRecord, error) {
	var rec model.BackupRecord
	err := m.locked(ctx, id, lock.OpBackupUpdate, func(ctx context.Context) error {
		var err error
		rec, err = m.backups.SetDescription(ctx, id, backupID, description)
		return err
	})
	return rec, err
}

func (m *Manager) ListBackups(ctx context.Context, id string) ([]model.BackupRecord, error) {
	if _, err := m.GetServer(ctx, id); err != nil {
		return nil, err
	}
	return m.backups.List(ctx, id)
}

func (m *Manager) GetBackup(ctx context.Context, id, backupID string) (model.BackupRecord, error) {
	return m.backups.Get(ctx, id, backupID)
}

// OpenBackup returns the archive for download.
func (m *Manager) OpenBackup(ctx context.Context, id, backupID string) (io.ReadCloser, model.BackupRecord, error) {
	return m.backups.Open(ctx, id, backupID)
}

// BackupUsage is the total size of a server's backups in bytes.
func (m *Manager) BackupUsage(ctx context.Context, id string) (int64, error) {
	return m.backups.Usage(ctx, id)
}
