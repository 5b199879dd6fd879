package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/loykin/gamevisor/internal/lock"
	"github.com/loykin/gamevisor/internal/metrics"
	"github.com/loykin/gamevisor/internal/model"
	"github.com/loykin/gamevisor/internal/store"
)

// CreateServer validates and persists a new server and prepares its data
// directory. Unset fields take their documented defaults.
func (m *Manager) CreateServer(ctx context.Context, rec model.ServerRecord) (model.ServerRecord, error) {
	rec.Status = model.StatusOffline
	rec.ApplyDefaults()
	if err := rec.Validate(); err != nil {
		return model.ServerRecord{}, err
	}
	err := m.locked(ctx, rec.ID, lock.OpConfigUpdate, func(ctx context.Context) error {
		if _, err := m.store.Read(ctx, model.CollectionServers, rec.ID); err == nil {
			return fmt.Errorf("%w: %s", ErrServerExists, rec.ID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := m.checkPort(ctx, rec); err != nil {
			return err
		}
		now := m.now()
		rec.CreatedAt, rec.UpdatedAt = now, now
		if err := os.MkdirAll(m.dataDir(rec.ID), 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		if err := m.writeProperties(rec); err != nil {
			return err
		}
		if err := store.Put(ctx, m.store, model.CollectionServers, rec.ID, rec); err != nil {
			return err
		}
		m.supervisor(rec.ID)
		return nil
	})
	if err != nil {
		return model.ServerRecord{}, err
	}
	m.logger.Info("server created", "server", rec.ID, "variant", rec.Variant, "port", rec.Port)
	return rec, nil
}

// checkPort rejects a bind address and port already taken by another server.
func (m *Manager) checkPort(ctx context.Context, rec model.ServerRecord) error {
	all, err := store.All[model.ServerRecord](ctx, m.store, model.CollectionServers)
	if err != nil {
		return err
	}
	for _, o := range all {
		if o.ID != rec.ID && o.Port == rec.Port && bindOverlap(o.BindAddress, rec.BindAddress) {
			return &model.ValidationError{Field: "port", Reason: fmt.Sprintf("%d already used by server %q", rec.Port, o.ID)}
		}
	}
	return nil
}

func bindOverlap(a, b string) bool {
	wild := func(s string) bool { return s == "" || s == "0.0.0.0" || s == "::" }
	return a == b || wild(a) || wild(b)
}

// GetServer returns the record with the live supervisor status.
func (m *Manager) GetServer(ctx context.Context, id string) (model.ServerRecord, error) {
	if err := model.ValidateID("server_id", id); err != nil {
		return model.ServerRecord{}, err
	}
	return m.record(ctx, id)
}

// ListServers returns every server ordered by id.
func (m *Manager) ListServers(ctx context.Context) ([]model.ServerRecord, error) {
	recs, err := store.All[model.ServerRecord](ctx, m.store, model.CollectionServers)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if s, ok := m.lookup(recs[i].ID); ok {
			recs[i].Status = s.Status()
		}
	}
	return recs, nil
}

// UpdateServer applies a patch. The new settings take effect on next start.
func (m *Manager) UpdateServer(ctx context.Context, id string, patch model.ServerPatch) (model.ServerRecord, error) {
	var out model.ServerRecord
	err := m.locked(ctx, id, lock.OpConfigUpdate, func(ctx context.Context) error {
		rec, err := m.record(ctx, id)
		if err != nil {
			return err
		}
		next := patch.Apply(rec)
		if err := next.Validate(); err != nil {
			return err
		}
		if err := m.checkPort(ctx, next); err != nil {
			return err
		}
		next.UpdatedAt = m.now()
		if err := m.writeProperties(next); err != nil {
			return err
		}
		if err := store.Put(ctx, m.store, model.CollectionServers, id, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// DeleteServer stops the process and removes the record, data directory,
// backups and schedules. The record removal is the commit point; cleanup
// failures after it are logged.
func (m *Manager) DeleteServer(ctx context.Context, id string) error {
	err := m.locked(ctx, id, lock.OpDelete, func(ctx context.Context) error {
		if _, err := m.record(ctx, id); err != nil {
			return err
		}
		if s, ok := m.lookup(id); ok {
			if err := s.Shutdown(); err != nil {
				return fmt.Errorf("stop server: %w", err)
			}
			m.mu.Lock()
			delete(m.servers, id)
			m.mu.Unlock()
		}
		if err := m.store.Delete(ctx, model.CollectionServers, id); err != nil {
			return err
		}
		m.sched.RemoveServer(id)
		if err := m.store.DropCollection(ctx, model.SchedulesCollection(id)); err != nil {
			m.logger.Warn("schedules not removed", "server", id, "error", err)
		}
		if err := m.backups.DeleteAll(ctx, id); err != nil {
			m.logger.Warn("backups not removed", "server", id, "error", err)
		}
		if err := os.RemoveAll(m.dataDir(id)); err != nil {
			m.logger.Warn("data dir not removed", "server", id, "error", err)
		}
		m.sampler.Forget(id)
		metrics.ForgetServer(id)
		return nil
	})
	if err == nil {
		m.logger.Info("server deleted", "server", id)
	}
	return err
}

// StartServer spawns the server process. It returns once the state is
// STARTING; a second call while running returns ErrAlreadyRunning.
func (m *Manager) StartServer(ctx context.Context, id string) error {
	return m.locked(ctx, id, lock.OpStart, func(ctx context.Context) error {
		return m.startLocked(ctx, id)
	})
}

func (m *Manager) startLocked(ctx context.Context, id string) error {
	rec, err := m.record(ctx, id)
	if err != nil {
		return err
	}
	plan, err := m.plan(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(plan.Spec.WorkDir, 0o750); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	return m.supervisor(id).Start(plan)
}

// StopServer stops the process and returns when it is OFFLINE.
func (m *Manager) StopServer(ctx context.Context, id string) error {
	return m.locked(ctx, id, lock.OpStop, func(ctx context.Context) error {
		return m.stopLocked(ctx, id)
	})
}

func (m *Manager) stopLocked(ctx context.Context, id string) error {
	if _, err := m.record(ctx, id); err != nil {
		return err
	}
	return m.supervisor(id).Stop()
}

// RestartServer stops then starts the server as one locked operation.
func (m *Manager) RestartServer(ctx context.Context, id string) error {
	return m.locked(ctx, id, lock.OpRestart, func(ctx context.Context) error {
		return m.restartLocked(ctx, id)
	})
}

func (m *Manager) restartLocked(ctx context.Context, id string) error {
	if err := m.stopLocked(ctx, id); err != nil {
		return err
	}
	return m.startLocked(ctx, id)
}

// SendCommand writes one console line to the running server.
func (m *Manager) SendCommand(ctx context.Context, id, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return &model.ValidationError{Field: "command", Reason: "required"}
	}
	if strings.ContainsAny(line, "\r\n") {
		return &model.ValidationError{Field: "command", Reason: "must be a single line"}
	}
	return m.locked(ctx, id, lock.OpCommand, func(ctx context.Context) error {
		if _, err := m.record(ctx, id); err != nil {
			return err
		}
		return m.supervisor(id).SendCommand(line)
	})
}

// Runtime returns the live process view of a server.
func (m *Manager) Runtime(ctx context.Context, id string) (Runtime, error) {
	if _, err := m.GetServer(ctx, id); err != nil {
		return Runtime{}, err
	}
	return m.supervisor(id).Runtime(), nil
}

// WaitForStatus blocks until the server reaches one of want.
func (m *Manager) WaitForStatus(ctx context.Context, id string, want ...model.Status) (model.Status, error) {
	if _, err := m.GetServer(ctx, id); err != nil {
		return "", err
	}
	return m.supervisor(id).WaitForStatus(ctx, want...)
}

// Runtimes returns the live view of every known server ordered by id.
func (m *Manager) Runtimes() []Runtime {
	m.mu.RLock()
	out := make([]Runtime, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s.Runtime())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}
