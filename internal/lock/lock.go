// Package lock serializes mutating operations per server. Each server has at
// most one ticket holder at a time; waiters are admitted strictly in arrival
// order.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/gamevisor/internal/metrics"
)

// Op names the kind of operation holding a lock. It is informational; all
// kinds exclude each other.
type Op string

const (
	OpConfigUpdate   Op = "config-update"
	OpStart          Op = "start"
	OpStop           Op = "stop"
	OpRestart        Op = "restart"
	OpBackupCreate   Op = "backup-create"
	OpBackupRestore  Op = "backup-restore"
	OpBackupDelete   Op = "backup-delete"
	OpBackupUpdate   Op = "backup-update"
	OpScheduleUpdate Op = "schedule-update"
	OpFileWrite      Op = "file-write"
	OpDelete         Op = "delete"
	OpCommand        Op = "command"
	OpScheduleRun    Op = "schedule-run"
)

const (
	DefaultWaitTimeout = 30 * time.Second
	DefaultMaxHold     = 10 * time.Minute
)

var (
	// ErrLockTimeout is matched by every *TimeoutError.
	ErrLockTimeout = errors.New("lock wait timed out")
	// ErrForceReleased is reported by Ticket.Err after the hold ceiling expired.
	ErrForceReleased = errors.New("lock force-released after exceeding max hold")
)

// TimeoutError is returned when a bounded wait expires before the lock is
// granted. The waiter is removed from the queue; nothing else changes.
type TimeoutError struct {
	ServerID string
	Op       Op
	Waited   time.Duration
	HeldBy   Op
}

func (e *TimeoutError) Error() string {
	if e.HeldBy != "" {
		return fmt.Sprintf("lock %s for %s: timed out after %s (held by %s)", e.ServerID, e.Op, e.Waited.Round(time.Millisecond), e.HeldBy)
	}
	return fmt.Sprintf("lock %s for %s: timed out after %s", e.ServerID, e.Op, e.Waited.Round(time.Millisecond))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// Observer is notified of every grant and release. Calls happen with the
// manager's internal mutex held, so implementations must not call back into
// the Manager.
type Observer interface {
	Acquired(t *Ticket)
	Released(t *Ticket, forced bool)
}

// Ticket is a granted exclusive permit for one server.
type Ticket struct {
	ServerID   string
	Op         Op
	Holder     string
	AcquiredAt time.Time

	m     *Manager
	done  chan struct{}
	err   error
	timer *time.Timer
}

// Done is closed when the ticket stops being the holder, either through
// Release or a forced release.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns ErrForceReleased once the hold ceiling expired, nil otherwise.
func (t *Ticket) Err() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.err
}

// Release gives the lock to the next waiter. Releasing twice, or after a
// forced release, is a no-op.
func (t *Ticket) Release() { t.m.Release(t) }

type waiter struct {
	t     *Ticket
	ready chan struct{}
}

type queue struct {
	holder  *Ticket
	waiters []*waiter
}

// Manager hands out per-server tickets.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queue

	waitTimeout time.Duration
	maxHold     time.Duration
	observer    Observer
	logger      *slog.Logger
}

type Option func(*Manager)

// WithWaitTimeout bounds waits whose context carries no deadline. Zero
// disables the default bound.
func WithWaitTimeout(d time.Duration) Option { return func(m *Manager) { m.waitTimeout = d } }

// WithMaxHold sets the hold ceiling after which a ticket is force-released.
// Zero disables the ceiling.
func WithMaxHold(d time.Duration) Option { return func(m *Manager) { m.maxHold = d } }

func WithObserver(o Observer) Option { return func(m *Manager) { m.observer = o } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func New(opts ...Option) *Manager {
	m := &Manager{
		queues:      make(map[string]*queue),
		waitTimeout: DefaultWaitTimeout,
		maxHold:     DefaultMaxHold,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire blocks until serverID's lock is granted to this caller, the wait
// bound expires (*TimeoutError) or ctx is cancelled (ctx.Err()). The wait
// bound is the ctx deadline, else the manager's wait timeout.
func (m *Manager) Acquire(ctx context.Context, serverID string, op Op, holder string) (*Ticket, error) {
	start := time.Now()
	t := &Ticket{ServerID: serverID, Op: op, Holder: holder, m: m, done: make(chan struct{})}

	m.mu.Lock()
	q := m.queues[serverID]
	if q == nil {
		q = &queue{}
		m.queues[serverID] = q
	}
	if q.holder == nil && len(q.waiters) == 0 {
		m.grantLocked(q, t)
		m.mu.Unlock()
		metrics.ObserveLockWait(string(op), 0)
		return t, nil
	}
	w := &waiter{t: t, ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	m.mu.Unlock()

	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok && m.waitTimeout > 0 {
		tm := time.NewTimer(m.waitTimeout)
		defer tm.Stop()
		timeout = tm.C
	}

	var cause error
	select {
	case <-w.ready:
		metrics.ObserveLockWait(string(op), time.Since(start).Seconds())
		return t, nil
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timeout:
		cause = context.DeadlineExceeded
	}

	m.mu.Lock()
	select {
	case <-w.ready:
		// granted while we were giving up; keep it
		m.mu.Unlock()
		metrics.ObserveLockWait(string(op), time.Since(start).Seconds())
		return t, nil
	default:
	}
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	var heldBy Op
	if q.holder != nil {
		heldBy = q.holder.Op
	}
	m.mu.Unlock()

	if errors.Is(cause, context.DeadlineExceeded) {
		metrics.IncLockTimeout(string(op))
		return nil, &TimeoutError{ServerID: serverID, Op: op, Waited: time.Since(start), HeldBy: heldBy}
	}
	return nil, cause
}

// Release hands the lock to the next waiter in FIFO order.
func (m *Manager) Release(t *Ticket) {
	if t == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(t, false)
}

// Holder reports the op currently holding serverID's lock, if any.
func (m *Manager) Holder(serverID string) (Op, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[serverID]
	if q == nil || q.holder == nil {
		return "", false
	}
	return q.holder.Op, true
}

// Waiting reports the number of queued waiters for serverID.
func (m *Manager) Waiting(serverID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[serverID]; q != nil {
		return len(q.waiters)
	}
	return 0
}

func (m *Manager) grantLocked(q *queue, t *Ticket) {
	q.holder = t
	t.AcquiredAt = time.Now()
	if m.maxHold > 0 {
		t.timer = time.AfterFunc(m.maxHold, func() { m.expire(t) })
	}
	if m.observer != nil {
		m.observer.Acquired(t)
	}
}

func (m *Manager) releaseLocked(t *Ticket, forced bool) {
	q := m.queues[t.ServerID]
	if q == nil || q.holder != t {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if forced {
		t.err = ErrForceReleased
	}
	q.holder = nil
	close(t.done)
	if m.observer != nil {
		m.observer.Released(t, forced)
	}
	if len(q.waiters) == 0 {
		delete(m.queues, t.ServerID)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	m.grantLocked(q, next.t)
	close(next.ready)
}

func (m *Manager) expire(t *Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[t.ServerID]
	if q == nil || q.holder != t {
		return
	}
	m.logger.Warn("force-releasing server lock", "server", t.ServerID, "op", t.Op, "holder", t.Holder, "held", time.Since(t.AcquiredAt).Round(time.Millisecond))
	metrics.IncLockForceRelease(string(t.Op))
	m.releaseLocked(t, true)
}

// With runs fn while holding serverID's lock. fn's context is cancelled if
// the ticket is force-released, and the returned error then wraps
// ErrForceReleased whatever fn returned.
func (m *Manager) With(ctx context.Context, serverID string, op Op, holder string, fn func(ctx context.Context) error) error {
	return m.WithWait(ctx, 0, serverID, op, holder, fn)
}

// WithWait is With with the acquisition bounded by wait (when positive)
// independently of ctx, so a short lock wait does not limit fn.
func (m *Manager) WithWait(ctx context.Context, wait time.Duration, serverID string, op Op, holder string, fn func(ctx context.Context) error) error {
	actx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	t, err := m.Acquire(actx, serverID, op, holder)
	if err != nil {
		return err
	}
	defer t.Release()
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-fctx.Done():
		}
	}()
	err = fn(fctx)
	if ferr := t.Err(); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}
