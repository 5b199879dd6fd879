package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/gamevisor/internal/history"
	"github.com/loykin/gamevisor/internal/lock"
	"github.com/loykin/gamevisor/internal/model"
	"github.com/loykin/gamevisor/internal/schedule"
	"github.com/loykin/gamevisor/internal/store"
)

// CreateSchedule validates and stores a schedule, replacing one with the
// same id. An empty id gets a generated one.
func (m *Manager) CreateSchedule(ctx context.Context, rec model.ScheduleRecord) (model.ScheduleRecord, error) {
	return m.putSchedule(ctx, rec, false)
}

// UpdateSchedule replaces an existing schedule; a missing one is
// store.ErrNotFound.
func (m *Manager) UpdateSchedule(ctx context.Context, rec model.ScheduleRecord) (model.ScheduleRecord, error) {
	if err := model.ValidateID("schedule_id", rec.ID); err != nil {
		return model.ScheduleRecord{}, err
	}
	return m.putSchedule(ctx, rec, true)
}

func (m *Manager) putSchedule(ctx context.Context, rec model.ScheduleRecord, mustExist bool) (model.ScheduleRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := rec.Validate(); err != nil {
		return model.ScheduleRecord{}, err
	}
	if _, err := schedule.Parse(rec.Cron); err != nil {
		return model.ScheduleRecord{}, err
	}
	var out model.ScheduleRecord
	err := m.locked(ctx, rec.ServerID, lock.OpScheduleUpdate, func(ctx context.Context) error {
		if _, err := m.record(ctx, rec.ServerID); err != nil {
			return err
		}
		prev, err := store.Get[model.ScheduleRecord](ctx, m.store, model.SchedulesCollection(rec.ServerID), rec.ID)
		existed := err == nil
		switch {
		case existed:
			rec.CreatedAt = prev.CreatedAt
			rec.LastRun = prev.LastRun
			if prev.Cron == rec.Cron {
				rec.NextRun = prev.NextRun
			} else {
				rec.NextRun = time.Time{}
			}
		case errors.Is(err, store.ErrNotFound) && mustExist:
			return fmt.Errorf("schedule %s: %w", rec.ID, err)
		case errors.Is(err, store.ErrNotFound):
			rec.CreatedAt = m.now()
		default:
			return err
		}
		out, err = m.sched.Sync(rec)
		if err != nil {
			return err
		}
		if err := store.Put(ctx, m.store, model.SchedulesCollection(rec.ServerID), rec.ID, out); err != nil {
			// keep the in-memory set aligned with what is persisted
			if existed {
				_, _ = m.sched.Sync(prev)
			} else {
				m.sched.Remove(rec.ServerID, rec.ID)
			}
			return err
		}
		return nil
	})
	return out, err
}

// EnableAutoBackup installs the every-two-hours backup preset.
func (m *Manager) EnableAutoBackup(ctx context.Context, serverID string) (model.ScheduleRecord, error) {
	return m.CreateSchedule(ctx, schedule.AutoBackupPreset(serverID))
}

func (m *Manager) GetSchedule(ctx context.Context, serverID, id string) (model.ScheduleRecord, error) {
	if err := model.ValidateID("server_id", serverID); err != nil {
		return model.ScheduleRecord{}, err
	}
	if err := model.ValidateID("schedule_id", id); err != nil {
		return model.ScheduleRecord{}, err
	}
	rec, err := store.Get[model.ScheduleRecord](ctx, m.store, model.SchedulesCollection(serverID), id)
	if err != nil {
		return model.ScheduleRecord{}, fmt.Errorf("schedule %s: %w", id, err)
	}
	return rec, nil
}

func (m *Manager) ListSchedules(ctx context.Context, serverID string) ([]model.ScheduleRecord, error) {
	if _, err := m.GetServer(ctx, serverID); err != nil {
		return nil, err
	}
	return store.All[model.ScheduleRecord](ctx, m.store, model.SchedulesCollection(serverID))
}

func (m *Manager) DeleteSchedule(ctx context.Context, serverID, id string) error {
	return m.locked(ctx, serverID, lock.OpScheduleUpdate, func(ctx context.Context) error {
		if err := m.store.Delete(ctx, model.SchedulesCollection(serverID), id); err != nil {
			return fmt.Errorf("schedule %s: %w", id, err)
		}
		m.sched.Remove(serverID, id)
		return nil
	})
}

// RunSchedule executes a due schedule under the server lock with the
// scheduler's bounded wait and persists its LastRun and NextRun.
func (m *Manager) RunSchedule(ctx context.Context, rec model.ScheduleRecord) error {
	ctx = WithActor(ctx, "schedule:"+rec.ID)
	return m.locks.WithWait(ctx, m.cfg.ScheduleLockWait, rec.ServerID, lock.OpScheduleRun, actorFrom(ctx), func(ctx context.Context) error {
		cur, err := store.Get[model.ScheduleRecord](ctx, m.store, model.SchedulesCollection(rec.ServerID), rec.ID)
		if errors.Is(err, store.ErrNotFound) {
			m.sched.Remove(rec.ServerID, rec.ID)
			return nil
		}
		if err != nil {
			return err
		}
		runErr := m.runCommand(ctx, cur)
		detail := cur.ID + " " + cur.Command
		if runErr != nil {
			detail += ": " + runErr.Error()
		}
		m.export(ctx, history.EventSchedule, rec.ServerID, detail)
		cur.LastRun, cur.NextRun = rec.LastRun, rec.NextRun
		if err := store.Put(ctx, m.store, model.SchedulesCollection(rec.ServerID), rec.ID, cur); err != nil {
			return errors.Join(runErr, err)
		}
		return runErr
	})
}

func (m *Manager) runCommand(ctx context.Context, rec model.ScheduleRecord) error {
	id := rec.ServerID
	switch rec.Command {
	case model.CommandBackup:
		desc := rec.Name
		if desc == "" {
			desc = "scheduled backup"
		}
		_, err := m.createBackupLocked(ctx, id, desc, model.BackupScheduled)
		return err
	case model.CommandStart:
		if m.supervisor(id).Status().Running() {
			return nil
		}
		return m.startLocked(ctx, id)
	case model.CommandStop:
		return m.stopLocked(ctx, id)
	case model.CommandRestart:
		return m.restartLocked(ctx, id)
	case model.CommandConsole:
		return m.supervisor(id).SendCommand(rec.Args)
	default:
		return fmt.Errorf("unknown schedule command %q", rec.Command)
	}
}
