package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gamevisor/internal/lock"
	"github.com/loykin/gamevisor/internal/model"
)

type recordingExec struct {
	mu   sync.Mutex
	runs []model.ScheduleRecord
	err  error
}

func (r *recordingExec) RunSchedule(_ context.Context, rec model.ScheduleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rec)
	return r.err
}

func (r *recordingExec) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func TestParse(t *testing.T) {
	for _, ok := range []string{"0 */2 * * *", "@every 2h", "@hourly", "*/5 * * * *"} {
		_, err := Parse(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "every 2 hours", "61 * * * *", "* * *"} {
		_, err := Parse(bad)
		var ve *model.ValidationError
		assert.ErrorAs(t, err, &ve, bad)
	}
}

func TestAutoBackupPreset(t *testing.T) {
	p := AutoBackupPreset("s1")
	require.NoError(t, p.Validate())
	assert.Equal(t, AutoBackupID, p.ID)
	assert.Equal(t, model.CommandBackup, p.Command)
	next, err := Next(p.Cron, time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC), next)
}

func TestTickFiresOnceAndAdvances(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)
	clock := NewFakeClock(start)
	exec := &recordingExec{}
	s := New(exec, WithClock(clock))

	rec, err := s.Sync(model.ScheduleRecord{ID: "b", ServerID: "s1", Cron: "@every 2h", Command: model.CommandBackup, Active: true})
	require.NoError(t, err)
	assert.Equal(t, start.Add(2*time.Hour), rec.NextRun)

	ctx := context.Background()
	s.Tick(ctx, clock.Now())
	assert.Equal(t, 0, exec.count(), "not due yet")

	now := clock.Advance(2*time.Hour + time.Second)
	s.Tick(ctx, now)
	s.Tick(ctx, now)
	require.Equal(t, 1, exec.count(), "no duplicate firing on an identical tick")

	fired := exec.runs[0]
	assert.Equal(t, now, fired.LastRun)
	assert.Equal(t, now.Add(2*time.Hour), fired.NextRun)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, now, entries[0].LastRun)
	assert.Equal(t, fired.NextRun, entries[0].NextRun)
}

func TestLockTimeoutSkipsWithoutCatchUp(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)
	exec := &recordingExec{err: &lock.TimeoutError{ServerID: "s1", Op: lock.OpScheduleRun}}
	s := New(exec, WithClock(clock))
	_, err := s.Sync(model.ScheduleRecord{ID: "r", ServerID: "s1", Cron: "0 * * * *", Command: model.CommandRestart, Active: true})
	require.NoError(t, err)

	// three activations pass while the server is busy
	now := clock.Advance(3*time.Hour + time.Minute)
	s.Tick(context.Background(), now)
	assert.Equal(t, 1, exec.count(), "missed activations are not queued")

	e := s.Entries()[0]
	assert.True(t, e.LastRun.IsZero(), "a skipped run does not count as run")
	assert.Equal(t, time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC), e.NextRun)
}

func TestInactiveAndRemove(t *testing.T) {
	s := New(&recordingExec{}, WithClock(NewFakeClock(time.Now())))
	_, err := s.Sync(model.ScheduleRecord{ID: "a", ServerID: "s1", Cron: "@hourly", Command: model.CommandStart, Active: true})
	require.NoError(t, err)
	_, err = s.Sync(model.ScheduleRecord{ID: "b", ServerID: "s2", Cron: "@hourly", Command: model.CommandStart, Active: true})
	require.NoError(t, err)
	assert.Len(t, s.Entries(), 2)

	_, err = s.Sync(model.ScheduleRecord{ID: "a", ServerID: "s1", Cron: "@hourly", Command: model.CommandStart, Active: false})
	require.NoError(t, err)
	assert.Len(t, s.Entries(), 1)

	s.RemoveServer("s2")
	assert.Empty(t, s.Entries())

	_, err = s.Sync(model.ScheduleRecord{ID: "c", ServerID: "s1", Cron: "bogus", Active: true})
	assert.Error(t, err)
}

func TestRunningEntryIsNotRefired(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	exec := ExecutorFunc(func(ctx context.Context, rec model.ScheduleRecord) error {
		calls.Done()
		<-release
		return nil
	})
	s := New(exec, WithClock(clock))
	_, err := s.Sync(model.ScheduleRecord{ID: "a", ServerID: "s1", Cron: "@every 1m", Command: model.CommandBackup, Active: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	s.fire(context.Background(), clock.Advance(time.Minute), &wg)
	calls.Wait()
	// a later tick while the first run is in flight must not fire again
	s.fire(context.Background(), clock.Advance(5*time.Minute), &wg)
	close(release)
	wg.Wait()
}

func TestStartStop(t *testing.T) {
	exec := &recordingExec{}
	clock := NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	s := New(exec, WithClock(clock), WithTick(5*time.Millisecond))
	_, err := s.Sync(model.ScheduleRecord{ID: "a", ServerID: "s1", Cron: "@every 1m", Command: model.CommandBackup, Active: true})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestExecutorErrorStillAdvances(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	exec := &recordingExec{err: errors.New("boom")}
	s := New(exec, WithClock(clock))
	_, err := s.Sync(model.ScheduleRecord{ID: "a", ServerID: "s1", Cron: "@every 1m", Command: model.CommandBackup, Active: true})
	require.NoError(t, err)
	now := clock.Advance(time.Minute)
	s.Tick(context.Background(), now)
	s.Tick(context.Background(), now)
	assert.Equal(t, 1, exec.count())
}

type blockingExec struct {
	recordingExec
	started chan struct{}
	release chan struct{}
}

func (b *blockingExec) RunSchedule(ctx context.Context, rec model.ScheduleRecord) error {
	first := b.count() == 0
	_ = b.recordingExec.RunSchedule(ctx, rec)
	if first {
		close(b.started)
		<-b.release
	}
	return nil
}

func TestEditDuringRunKeepsFiring(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC))
	exec := &blockingExec{started: make(chan struct{}), release: make(chan struct{})}
	s := New(exec, WithClock(clock))
	rec := model.ScheduleRecord{ID: "b", ServerID: "s1", Name: "old", Cron: "@every 2h", Command: model.CommandBackup, Active: true}
	_, err := s.Sync(rec)
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Tick(ctx, clock.Advance(2*time.Hour+time.Second))
	}()
	<-exec.started

	rec.Name = "edited"
	_, err = s.Sync(rec)
	require.NoError(t, err)
	close(exec.release)
	<-done

	s.Tick(ctx, clock.Advance(2*time.Hour+time.Second))
	require.Equal(t, 2, exec.count(), "edited schedule fires on its next activation")
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, "edited", exec.runs[1].Name)
}
