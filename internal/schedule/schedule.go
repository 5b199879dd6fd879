// Package schedule fires cron-triggered server commands.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/gamevisor/internal/lock"
	"github.com/loykin/gamevisor/internal/metrics"
	"github.com/loykin/gamevisor/internal/model"
)

// DefaultTick is the real-time evaluation period.
const DefaultTick = time.Second

// AutoBackupID is the fixed id of the auto-backup preset.
const AutoBackupID = "auto-backup"

// AutoBackupPreset returns the every-two-hours backup schedule for a server.
func AutoBackupPreset(serverID string) model.ScheduleRecord {
	return model.ScheduleRecord{
		ID:       AutoBackupID,
		ServerID: serverID,
		Name:     "Auto backup",
		Cron:     "0 */2 * * *",
		Command:  model.CommandBackup,
		Active:   true,
	}
}

// Parse checks a standard 5-field cron expression or a descriptor such as
// "@hourly" or "@every 2h".
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &model.ValidationError{Field: "cron", Reason: "required"}
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, &model.ValidationError{Field: "cron", Reason: err.Error()}
	}
	return s, nil
}

// Next returns the first activation of expr strictly after t.
func Next(expr string, t time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(t), nil
}

// Executor runs one due schedule through the same locked path an operator
// action uses and persists rec, whose LastRun and NextRun are already set.
// A lock timeout must be returned as an error matching lock.ErrLockTimeout.
type Executor interface {
	RunSchedule(ctx context.Context, rec model.ScheduleRecord) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, rec model.ScheduleRecord) error

func (f ExecutorFunc) RunSchedule(ctx context.Context, rec model.ScheduleRecord) error {
	return f(ctx, rec)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// FakeClock is a settable Clock for simulated time.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock { return &FakeClock{now: t} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type entry struct {
	rec     model.ScheduleRecord
	sched   cron.Schedule
	running *atomic.Bool // shared with the entry this one replaced
}

func key(serverID, id string) string { return serverID + "/" + id }

// Scheduler holds the active schedules in memory and fires the due ones on
// every tick. A running entry is never fired again until it finishes, and a
// missed activation is not queued.
type Scheduler struct {
	exec   Executor
	clock  Clock
	tick   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	quit chan struct{}
	done chan struct{}
	runs sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithTick(d time.Duration) Option { return func(s *Scheduler) { s.tick = d } }

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func New(exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		exec:    exec,
		clock:   realClock{},
		tick:    DefaultTick,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sync adds, replaces or (when inactive) removes a schedule. It returns rec
// with NextRun filled when it was unset or no longer in the future.
func (s *Scheduler) Sync(rec model.ScheduleRecord) (model.ScheduleRecord, error) {
	sched, err := Parse(rec.Cron)
	if err != nil {
		return rec, err
	}
	now := s.clock.Now()
	if rec.NextRun.IsZero() || !rec.NextRun.After(now) {
		rec.NextRun = sched.Next(now)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.ServerID, rec.ID)
	if !rec.Active {
		delete(s.entries, k)
		return rec, nil
	}
	e := &entry{rec: rec, sched: sched, running: new(atomic.Bool)}
	if old, ok := s.entries[k]; ok {
		e.running = old.running
	}
	s.entries[k] = e
	return rec, nil
}

// Remove drops one schedule.
func (s *Scheduler) Remove(serverID, id string) {
	s.mu.Lock()
	delete(s.entries, key(serverID, id))
	s.mu.Unlock()
}

// RemoveServer drops every schedule of a server.
func (s *Scheduler) RemoveServer(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.rec.ServerID == serverID {
			delete(s.entries, k)
		}
	}
}

// Entries returns the in-memory schedules ordered by server then id.
func (s *Scheduler) Entries() []model.ScheduleRecord {
	s.mu.Lock()
	out := make([]model.ScheduleRecord, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Tick fires every schedule due at now and waits for those runs to finish.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	var wg sync.WaitGroup
	s.fire(ctx, now, &wg)
	wg.Wait()
}

func (s *Scheduler) fire(ctx context.Context, now time.Time, wg *sync.WaitGroup) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.rec.NextRun.After(now) && e.running.CompareAndSwap(false, true) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		wg.Add(1)
		s.runs.Add(1)
		go func(e *entry) {
			defer s.runs.Done()
			defer wg.Done()
			defer e.running.Store(false)
			s.run(ctx, e, now)
		}(e)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry, now time.Time) {
	s.mu.Lock()
	rec := e.rec
	s.mu.Unlock()

	next := e.sched.Next(now)
	rec.LastRun = now
	rec.NextRun = next
	err := s.exec.RunSchedule(ctx, rec)

	s.mu.Lock()
	switch {
	case err == nil:
		e.rec.LastRun = now
		e.rec.NextRun = next
	default:
		// no catch-up: the next attempt is the next activation
		e.rec.NextRun = next
	}
	s.mu.Unlock()

	log := s.logger.With("server", rec.ServerID, "schedule", rec.ID, "command", rec.Command)
	switch {
	case err == nil:
		metrics.IncScheduleRun(rec.Command, "ok")
		log.Info("schedule ran", "next_run", next)
	case errors.Is(err, lock.ErrLockTimeout):
		metrics.IncScheduleRun(rec.Command, "skipped")
		log.Warn("schedule skipped: server busy", "next_run", next, "error", err)
	default:
		metrics.IncScheduleRun(rec.Command, "error")
		log.Error("schedule failed", "next_run", next, "error", err)
	}
}

// Start runs the tick loop until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.quit != nil {
		return errors.New("scheduler already started")
	}
	if s.tick <= 0 {
		return fmt.Errorf("invalid tick %v", s.tick)
	}
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(s.tick)
	defer t.Stop()
	var wg sync.WaitGroup
	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			s.fire(ctx, s.clock.Now(), &wg)
		}
	}
}

// Stop ends the tick loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	if s.quit == nil {
		return
	}
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
	s.runs.Wait()
}
