package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// overlapObserver counts concurrently held tickets per server.
type overlapObserver struct {
	mu       sync.Mutex
	held     map[string]int
	overlaps int
	forced   int
}

func (o *overlapObserver) Acquired(t *Ticket) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.held == nil {
		o.held = map[string]int{}
	}
	o.held[t.ServerID]++
	if o.held[t.ServerID] > 1 {
		o.overlaps++
	}
}

func (o *overlapObserver) Released(t *Ticket, forced bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.held[t.ServerID]--
	if forced {
		o.forced++
	}
}

func TestNoOverlappingHolds(t *testing.T) {
	obs := &overlapObserver{}
	m := New(WithObserver(obs))
	ops := []Op{OpConfigUpdate, OpBackupCreate, OpBackupRestore, OpDelete}

	var inside [2]atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := i % 2
			tk, err := m.Acquire(context.Background(), fmt.Sprintf("s%d", sid), ops[i%len(ops)], "test")
			if !assert.NoError(t, err) {
				return
			}
			if inside[sid].Add(1) > 1 {
				violations.Add(1)
			}
			time.Sleep(200 * time.Microsecond)
			inside[sid].Add(-1)
			tk.Release()
		}(i)
	}
	wg.Wait()
	assert.Zero(t, violations.Load())
	assert.Zero(t, obs.overlaps)
}

func TestFIFOHandoff(t *testing.T) {
	m := New()
	ctx := context.Background()
	first, err := m.Acquire(ctx, "s1", OpStart, "first")
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("w%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := m.Acquire(ctx, "s1", OpConfigUpdate, name)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, tk.Holder)
			mu.Unlock()
			tk.Release()
		}()
		require.Eventually(t, func() bool { return m.Waiting("s1") == i+1 }, time.Second, time.Millisecond)
	}
	first.Release()
	wg.Wait()
	assert.Equal(t, []string{"w0", "w1", "w2", "w3", "w4"}, order)

	_, held := m.Holder("s1")
	assert.False(t, held)
}

func TestTimeoutLeavesStateUnchanged(t *testing.T) {
	m := New(WithWaitTimeout(30 * time.Millisecond))
	ctx := context.Background()
	holder, err := m.Acquire(ctx, "s1", OpBackupRestore, "restore")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "s1", OpScheduleRun, "scheduler")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OpBackupRestore, te.HeldBy)

	op, held := m.Holder("s1")
	assert.True(t, held)
	assert.Equal(t, OpBackupRestore, op)
	assert.Zero(t, m.Waiting("s1"))
	holder.Release()

	// other servers are unaffected
	tk, err := m.Acquire(ctx, "s2", OpStart, "x")
	require.NoError(t, err)
	tk.Release()
}

func TestContextDeadlineBoundsWait(t *testing.T) {
	m := New(WithWaitTimeout(0))
	holder, err := m.Acquire(context.Background(), "s1", OpStart, "a")
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "s1", OpStop, "b")
	assert.ErrorIs(t, err, ErrLockTimeout)

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	_, err = m.Acquire(cctx, "s1", OpStop, "c")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrLockTimeout))
}

func TestForceReleaseAfterMaxHold(t *testing.T) {
	obs := &overlapObserver{}
	m := New(WithMaxHold(30*time.Millisecond), WithObserver(obs))
	stuck, err := m.Acquire(context.Background(), "s1", OpBackupCreate, "stuck")
	require.NoError(t, err)

	next, err := m.Acquire(context.Background(), "s1", OpStart, "next")
	require.NoError(t, err)

	select {
	case <-stuck.Done():
	case <-time.After(time.Second):
		t.Fatal("stuck ticket was not force-released")
	}
	assert.ErrorIs(t, stuck.Err(), ErrForceReleased)
	assert.NoError(t, next.Err())

	// releasing the expired ticket must not release the new holder
	stuck.Release()
	op, held := m.Holder("s1")
	assert.True(t, held || next.Err() != nil)
	if held {
		assert.Equal(t, OpStart, op)
	}
	next.Release()
	obs.mu.Lock()
	assert.GreaterOrEqual(t, obs.forced, 1)
	obs.mu.Unlock()
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	m := New()
	a, err := m.Acquire(context.Background(), "s1", OpStart, "a")
	require.NoError(t, err)
	a.Release()
	b, err := m.Acquire(context.Background(), "s1", OpStop, "b")
	require.NoError(t, err)
	a.Release()
	op, held := m.Holder("s1")
	assert.True(t, held)
	assert.Equal(t, OpStop, op)
	b.Release()
}

func TestWithCancelsOnForceRelease(t *testing.T) {
	m := New(WithMaxHold(20 * time.Millisecond))
	err := m.With(context.Background(), "s1", OpBackupCreate, "slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithWaitBoundsOnlyAcquisition(t *testing.T) {
	m := New(WithWaitTimeout(time.Minute))
	ctx := context.Background()
	held, err := m.Acquire(ctx, "s1", OpBackupCreate, "backup")
	require.NoError(t, err)

	ran := false
	err = m.WithWait(ctx, 30*time.Millisecond, "s1", OpScheduleRun, "schedule", func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, ran)
	held.Release()

	err = m.WithWait(ctx, 30*time.Millisecond, "s1", OpScheduleRun, "schedule", func(fctx context.Context) error {
		time.Sleep(60 * time.Millisecond)
		return fctx.Err()
	})
	assert.NoError(t, err)
}

func TestForceReleaseSurfacesToCallerIgnoringContext(t *testing.T) {
	m := New(WithMaxHold(20 * time.Millisecond))
	var nextRan atomic.Bool
	stuck := make(chan struct{})
	go func() {
		<-stuck
		_ = m.With(context.Background(), "s1", OpConfigUpdate, "next", func(context.Context) error {
			nextRan.Store(true)
			return nil
		})
	}()

	err := m.With(context.Background(), "s1", OpBackupRestore, "stuck", func(context.Context) error {
		close(stuck)
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrForceReleased)
	assert.True(t, nextRan.Load(), "next waiter was admitted after the force release")
}
