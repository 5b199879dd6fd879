package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/gamevisor/internal/backup"
	"github.com/loykin/gamevisor/internal/env"
	"github.com/loykin/gamevisor/internal/event"
	"github.com/loykin/gamevisor/internal/history"
	"github.com/loykin/gamevisor/internal/lock"
	"github.com/loykin/gamevisor/internal/logger"
	"github.com/loykin/gamevisor/internal/metrics"
	"github.com/loykin/gamevisor/internal/model"
	"github.com/loykin/gamevisor/internal/process"
	"github.com/loykin/gamevisor/internal/sandbox"
	"github.com/loykin/gamevisor/internal/schedule"
	"github.com/loykin/gamevisor/internal/store"
)

// ErrServerExists is returned when creating a server whose id is taken.
var ErrServerExists = errors.New("server already exists")

// Config holds the Manager's directories and timing.
type Config struct {
	ServersDir       string        // server data roots: <ServersDir>/<id>
	BackupsDir       string        // archives: <BackupsDir>/<id>/<backup>.tar.gz
	LockWait         time.Duration // bounded wait for operator calls without a deadline
	ScheduleLockWait time.Duration // bounded wait for scheduled runs
	MaxHold          time.Duration // lock hold ceiling
	Env              []string      // daemon-wide KEY=VALUE for every child
	PassHostEnv      bool
	ConsoleLog       logger.Config // per-server console log rotation
	StatsHistory     int
}

func (c *Config) applyDefaults() {
	if c.LockWait == 0 {
		c.LockWait = lock.DefaultWaitTimeout
	}
	if c.ScheduleLockWait == 0 {
		c.ScheduleLockWait = 5 * time.Second
	}
	if c.MaxHold == 0 {
		c.MaxHold = lock.DefaultMaxHold
	}
}

// Manager is the orchestration service. Every mutating call takes the
// server's lock before any effect and returns typed errors.
type Manager struct {
	cfg     Config
	store   store.Store
	locks   *lock.Manager
	bus     *event.Bus
	backups *backup.Engine
	sched   *schedule.Scheduler
	sampler *metrics.Sampler
	history history.Sink
	env     *env.Env
	clock   schedule.Clock
	logger  *slog.Logger

	lockOpts []lock.Option

	mu      sync.RWMutex
	servers map[string]*ManagedServer

	pendingMu sync.Mutex
	pending   map[string]struct{}
	kick      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type Option func(*Manager)

func WithHistorySink(h history.Sink) Option { return func(m *Manager) { m.history = h } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock sets the scheduler's time source.
func WithClock(c schedule.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLockOptions passes extra options (such as an observer) to the lock manager.
func WithLockOptions(opts ...lock.Option) Option {
	return func(m *Manager) { m.lockOpts = append(m.lockOpts, opts...) }
}

// New wires the Manager. Call Start to load persisted servers and schedules.
func New(cfg Config, st store.Store, opts ...Option) (*Manager, error) {
	if st == nil {
		return nil, errors.New("manager requires a store")
	}
	if cfg.ServersDir == "" || cfg.BackupsDir == "" {
		return nil, errors.New("manager requires servers and backups directories")
	}
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.ServersDir, 0o750); err != nil {
		return nil, fmt.Errorf("create servers dir: %w", err)
	}
	m := &Manager{
		cfg:     cfg,
		store:   st,
		servers: make(map[string]*ManagedServer),
		pending: make(map[string]struct{}),
		kick:    make(chan struct{}, 1),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.bus == nil {
		m.bus = event.NewBus(m.logger)
	}
	m.locks = lock.New(append([]lock.Option{
		lock.WithWaitTimeout(cfg.LockWait),
		lock.WithMaxHold(cfg.MaxHold),
		lock.WithLogger(m.logger),
	}, m.lockOpts...)...)
	m.env = env.New()
	m.env.PassHost = cfg.PassHostEnv
	for _, kv := range cfg.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m.env.Set(k, v)
		}
	}
	m.sampler = metrics.NewSampler(cfg.StatsHistory)

	eng, err := backup.New(cfg.BackupsDir, st, backup.WithPublisher(m.bus), backup.WithLogger(m.logger))
	if err != nil {
		return nil, err
	}
	m.backups = eng

	schedOpts := []schedule.Option{schedule.WithLogger(m.logger)}
	if m.clock != nil {
		schedOpts = append(schedOpts, schedule.WithClock(m.clock))
	}
	m.sched = schedule.New(m, schedOpts...)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Bus returns the event bus observers subscribe to.
func (m *Manager) Bus() *event.Bus { return m.bus }

// Scheduler exposes the scheduler for simulated-time ticks.
func (m *Manager) Scheduler() *schedule.Scheduler { return m.sched }

// Locks exposes the lock manager.
func (m *Manager) Locks() *lock.Manager { return m.locks }

// Sampler exposes resource sample history.
func (m *Manager) Sampler() *metrics.Sampler { return m.sampler }

// Start loads persisted servers and schedules and starts the scheduler loop
// and the status writer. Servers recorded as running are reset to OFFLINE;
// their children did not survive the previous daemon.
func (m *Manager) Start(ctx context.Context) error {
	recs, err := store.All[model.ServerRecord](ctx, m.store, model.CollectionServers)
	if err != nil {
		return fmt.Errorf("load servers: %w", err)
	}
	for _, rec := range recs {
		m.supervisor(rec.ID)
		if rec.Status != model.StatusOffline {
			m.logger.Info("resetting stale server status", "server", rec.ID, "status", rec.Status)
			m.markDirty(rec.ID)
		}
		scheds, err := store.All[model.ScheduleRecord](ctx, m.store, model.SchedulesCollection(rec.ID))
		if err != nil {
			return fmt.Errorf("load schedules for %s: %w", rec.ID, err)
		}
		for _, s := range scheds {
			if _, err := m.sched.Sync(s); err != nil {
				m.logger.Warn("skipping invalid schedule", "server", rec.ID, "schedule", s.ID, "error", err)
			}
		}
	}
	m.wg.Add(1)
	go m.statusWriter()
	if err := m.sched.Start(m.ctx); err != nil {
		return err
	}
	m.logger.Info("manager started", "servers", len(recs))
	return nil
}

// Shutdown stops the scheduler, stops every child process, persists final
// statuses and closes the event bus.
func (m *Manager) Shutdown(ctx context.Context) (err error) {
	m.once.Do(func() {
		var errs []error
		m.sched.Stop()

		m.mu.RLock()
		sups := make([]*ManagedServer, 0, len(m.servers))
		for _, s := range m.servers {
			sups = append(sups, s)
		}
		m.mu.RUnlock()

		var (
			wg    sync.WaitGroup
			errMu sync.Mutex
		)
		for _, s := range sups {
			wg.Add(1)
			go func(s *ManagedServer) {
				defer wg.Done()
				if err := s.Shutdown(); err != nil {
					errMu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", s.ID(), err))
					errMu.Unlock()
				}
			}(s)
		}
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			errMu.Lock()
			errs = append(errs, ctx.Err())
			errMu.Unlock()
		}

		m.cancel()
		m.wg.Wait()
		m.flushStatuses(ctx)
		m.bus.Close()
		m.logger.Info("manager stopped")
		errMu.Lock()
		err = errors.Join(errs...)
		errMu.Unlock()
	})
	return err
}

// supervisor returns the server's ManagedServer, creating it on first use.
func (m *Manager) supervisor(id string) *ManagedServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.servers[id]; ok {
		return s
	}
	s := NewManagedServer(id,
		WithPublisher(m.bus),
		WithHistory(m.history),
		WithSampler(m.sampler),
		WithStatusFunc(m.onStatus),
		WithServerLogger(m.logger),
	)
	m.servers[id] = s
	return s
}

func (m *Manager) lookup(id string) (*ManagedServer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	return s, ok
}

func (m *Manager) dataDir(id string) string { return filepath.Join(m.cfg.ServersDir, id) }

// locked runs fn under the server's lock with the operator wait bound.
func (m *Manager) locked(ctx context.Context, id string, op lock.Op, fn func(ctx context.Context) error) error {
	if err := model.ValidateID("server_id", id); err != nil {
		return err
	}
	return m.locks.With(ctx, id, op, actorFrom(ctx), fn)
}

type actorKey struct{}

// WithActor tags ctx with who is performing an operation, for lock diagnostics.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "operator"
}

// record reads a server record; a missing server wraps store.ErrNotFound.
func (m *Manager) record(ctx context.Context, id string) (model.ServerRecord, error) {
	rec, err := store.Get[model.ServerRecord](ctx, m.store, model.CollectionServers, id)
	if err != nil {
		return model.ServerRecord{}, fmt.Errorf("server %s: %w", id, err)
	}
	if s, ok := m.lookup(id); ok {
		rec.Status = s.Status()
	}
	return rec, nil
}

// onStatus runs on a supervisor goroutine; it only queues work.
func (m *Manager) onStatus(id string, _, next model.Status, _ *int) {
	m.markDirty(id)
	if next == model.StatusCrashed && m.ctx.Err() == nil {
		m.wg.Add(1)
		go m.autoRestart(id)
	}
}

func (m *Manager) markDirty(id string) {
	m.pendingMu.Lock()
	m.pending[id] = struct{}{}
	m.pendingMu.Unlock()
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// statusWriter persists supervisor states into server records. Each write
// holds the server lock like any other record mutation.
func (m *Manager) statusWriter() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.kick:
		}
		m.flushStatuses(m.ctx)
	}
}

func (m *Manager) flushStatuses(ctx context.Context) {
	m.pendingMu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.pending = make(map[string]struct{})
	m.pendingMu.Unlock()

	for _, id := range ids {
		err := m.locks.WithWait(ctx, m.cfg.LockWait, id, lock.OpConfigUpdate, "status-writer", func(ctx context.Context) error {
			return m.persistStatus(ctx, id)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("status not persisted", "server", id, "error", err)
			if !errors.Is(err, store.ErrNotFound) && m.ctx.Err() == nil {
				m.markDirty(id)
			}
		}
	}
}

func (m *Manager) persistStatus(ctx context.Context, id string) error {
	rec, err := store.Get[model.ServerRecord](ctx, m.store, model.CollectionServers, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	cur := model.StatusOffline
	if s, ok := m.lookup(id); ok {
		cur = s.Status()
	}
	if rec.Status == cur {
		return nil
	}
	rec.Status = cur
	return store.Put(ctx, m.store, model.CollectionServers, id, rec)
}

// export sends a non-lifecycle event (backup, restore, schedule) to the
// history sink.
func (m *Manager) export(ctx context.Context, t history.EventType, id, detail string) {
	if m.history == nil {
		return
	}
	rec := history.Record{ServerID: id, Detail: detail, Status: string(model.StatusOffline)}
	if s, ok := m.lookup(id); ok {
		rt := s.Runtime()
		rec.Status, rec.PID = string(rt.Status), rt.PID
	}
	evt := history.Event{Type: t, OccurredAt: m.now(), Record: rec}
	if err := m.history.Send(context.WithoutCancel(ctx), evt); err != nil {
		m.logger.Warn("history export failed", "server", id, "event", t, "error", err)
	}
}

func (m *Manager) autoRestart(id string) {
	defer m.wg.Done()
	rec, err := store.Get[model.ServerRecord](m.ctx, m.store, model.CollectionServers, id)
	if err != nil || !rec.Launch.AutoRestart {
		return
	}
	delay := time.Duration(rec.Launch.RestartDelay) * time.Second
	m.logger.Info("auto-restart scheduled", "server", id, "delay", delay)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-m.ctx.Done():
		return
	}
	err = m.locks.With(m.ctx, id, lock.OpStart, "auto-restart", func(ctx context.Context) error {
		sup, ok := m.lookup(id)
		if !ok || sup.Status() != model.StatusCrashed {
			return nil
		}
		rec, err := m.record(ctx, id)
		if err != nil {
			return err
		}
		if !rec.Launch.AutoRestart {
			return nil
		}
		plan, err := m.plan(rec)
		if err != nil {
			return err
		}
		if err := sup.Start(plan); err != nil {
			return err
		}
		sup.MarkRestarted()
		return nil
	})
	if err != nil && m.ctx.Err() == nil {
		m.logger.Error("auto-restart failed", "server", id, "error", err)
	}
}

// plan turns a server record into a launch plan.
func (m *Manager) plan(rec model.ServerRecord) (LaunchPlan, error) {
	l := rec.Launch
	root := m.dataDir(rec.ID)
	workDir := root
	if l.WorkDirOverride != "" {
		wd, err := sandbox.Resolve(root, l.WorkDirOverride)
		if err != nil {
			return LaunchPlan{}, err
		}
		workDir = wd
	}
	port := strconv.Itoa(rec.Port)
	spec := process.Spec{
		Name:    rec.ID,
		WorkDir: workDir,
		Env: m.env.Merge(env.Var{
			"SERVER_ID":     rec.ID,
			"SERVER_PORT":   port,
			"SERVER_MEMORY": strconv.Itoa(rec.MemoryGB) + "G",
		}, l.Env),
		Log: m.cfg.ConsoleLog,
	}
	if l.Command != "" {
		spec.Command = l.Command
	} else {
		spec.Argv = javaArgv(rec)
	}
	plan := LaunchPlan{
		Spec:            spec,
		ReadyTimeout:    l.ReadyWait(),
		StopCommand:     l.StopCommand,
		ShutdownTimeout: l.ShutdownWait(),
		CleanExitCodes:  append([]int(nil), l.CleanExitCodes...),
		StatsInterval:   time.Duration(l.StatsInterval) * time.Second,
		TPSQuery:        l.TPSQuery,
	}
	if l.ReadyPattern == model.ReadyProbeTCP {
		plan.ProbeAddr = net.JoinHostPort(probeHost(rec.BindAddress), port)
	} else {
		re, err := regexp.Compile(l.ReadyPattern)
		if err != nil {
			return LaunchPlan{}, &model.ValidationError{Field: "launch.ready_pattern", Reason: err.Error()}
		}
		plan.Ready = re
	}
	return plan, nil
}

func javaArgv(rec model.ServerRecord) []string {
	l := rec.Launch
	mem := strconv.Itoa(rec.MemoryGB) + "G"
	argv := []string{l.Executable, "-Xms" + mem, "-Xmx" + mem}
	argv = append(argv, l.Args...)
	argv = append(argv, "-jar", l.JarFile, "nogui")
	return append(argv, l.ExtraFlags...)
}

func probeHost(bind string) string {
	if bind == "" || bind == "0.0.0.0" || bind == "::" {
		return "127.0.0.1"
	}
	return bind
}
