package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/gamevisor/internal/event"
	"github.com/loykin/gamevisor/internal/history"
	"github.com/loykin/gamevisor/internal/metrics"
	"github.com/loykin/gamevisor/internal/model"
	"github.com/loykin/gamevisor/internal/process"
)

var (
	// ErrAlreadyRunning is returned by Start while STARTING, ONLINE or STOPPING.
	ErrAlreadyRunning = errors.New("server is already running")
	// ErrNotRunning is returned when a console command targets a stopped server.
	ErrNotRunning = errors.New("server is not running")
	// ErrShuttingDown is returned once the supervisor loop has exited.
	ErrShuttingDown = errors.New("server supervisor shutting down")
)

var (
	joinPattern  = regexp.MustCompile(`\]: (\w{2,16}) joined the game`)
	leavePattern = regexp.MustCompile(`\]: (\w{2,16}) left the game`)
	tpsPattern   = regexp.MustCompile(`TPS from last 1m, 5m, 15m: \*?([0-9.]+)`)
)

// LaunchPlan is everything the supervisor needs to run one server process.
type LaunchPlan struct {
	Spec            process.Spec
	Ready           *regexp.Regexp // nil means probe ProbeAddr
	ProbeAddr       string
	ReadyTimeout    time.Duration
	StopCommand     string
	ShutdownTimeout time.Duration
	CleanExitCodes  []int
	StatsInterval   time.Duration
	TPSQuery        string
}

func (p LaunchPlan) cleanExit(code int) bool { return slices.Contains(p.CleanExitCodes, code) }

// Runtime is a point-in-time view of a supervised server.
type Runtime struct {
	ServerID  string       `json:"server_id"`
	Status    model.Status `json:"status"`
	PID       int          `json:"pid,omitempty"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	Uptime    int64        `json:"uptime"`
	Players   []string     `json:"players"`
	TPS       float64      `json:"tps,omitempty"`
	Restarts  uint32       `json:"restarts"`
	LastExit  *int         `json:"last_exit,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// StatusFunc observes every transition. It runs on the supervisor goroutine
// and must not block.
type StatusFunc func(id string, prev, next model.Status, exitCode *int)

// ManagedServer owns one game-server child process. A single goroutine
// receives commands and process notifications on channels and is the only
// writer of the process handle and state.
//
// State machine:
// OFFLINE -> STARTING -> ONLINE -> STOPPING -> OFFLINE
// STARTING/ONLINE -> CRASHED on unexpected exit
type ManagedServer struct {
	id string

	mu        sync.RWMutex
	state     model.Status
	proc      *process.Process
	plan      LaunchPlan
	gen       uint64
	players   map[string]struct{}
	tps       float64
	restarts  uint32
	lastExit  *int
	reason    string
	changed   chan struct{}
	statsTick *time.Ticker
	spawnedAt time.Time

	cmdChan    chan command
	notifyChan chan notification
	doneChan   chan struct{}

	bus      event.Publisher
	history  history.Sink
	sampler  *metrics.Sampler
	onStatus StatusFunc
	logger   *slog.Logger
}

type command struct {
	action commandAction
	plan   LaunchPlan
	reply  chan error
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionShutdown
)

type notification struct {
	kind notifyKind
	gen  uint64
}

type notifyKind int

const (
	notifyExited notifyKind = iota
	notifyReady
	notifyReadyTimeout
)

// ServerOption configures a ManagedServer.
type ServerOption func(*ManagedServer)

func WithPublisher(p event.Publisher) ServerOption { return func(s *ManagedServer) { s.bus = p } }

func WithHistory(h history.Sink) ServerOption { return func(s *ManagedServer) { s.history = h } }

func WithSampler(sm *metrics.Sampler) ServerOption { return func(s *ManagedServer) { s.sampler = sm } }

func WithStatusFunc(f StatusFunc) ServerOption { return func(s *ManagedServer) { s.onStatus = f } }

func WithServerLogger(l *slog.Logger) ServerOption { return func(s *ManagedServer) { s.logger = l } }

// NewManagedServer starts the supervisor loop for server id in OFFLINE.
func NewManagedServer(id string, opts ...ServerOption) *ManagedServer {
	s := &ManagedServer{
		id:         id,
		state:      model.StatusOffline,
		players:    make(map[string]struct{}),
		changed:    make(chan struct{}),
		cmdChan:    make(chan command, 16),
		notifyChan: make(chan notification, 64),
		doneChan:   make(chan struct{}),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("server", id)
	metrics.SetCurrentState(id, string(model.StatusOffline), true)
	go s.run()
	return s
}

func (s *ManagedServer) ID() string { return s.id }

// Start spawns the process. It returns once the process is spawned and the
// state is STARTING; ONLINE follows when the liveness signal is observed.
// Spawn failures return *process.SpawnError and leave the state OFFLINE.
func (s *ManagedServer) Start(plan LaunchPlan) error {
	return s.send(command{action: actionStart, plan: plan})
}

// Stop asks the process to exit gracefully, force-killing it after the
// shutdown timeout, and returns when the state is OFFLINE. Stopping an
// OFFLINE or CRASHED server is a no-op.
func (s *ManagedServer) Stop() error {
	return s.send(command{action: actionStop})
}

// Shutdown stops the process and ends the supervisor loop.
func (s *ManagedServer) Shutdown() error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: actionShutdown, reply: reply}:
		return <-reply
	case <-s.doneChan:
		return nil
	}
}

func (s *ManagedServer) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmdChan <- cmd:
	case <-s.doneChan:
		return ErrShuttingDown
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.doneChan:
		return ErrShuttingDown
	}
}

// SendCommand writes one line to the server console.
func (s *ManagedServer) SendCommand(line string) error {
	s.mu.RLock()
	proc, state := s.proc, s.state
	s.mu.RUnlock()
	if proc == nil || !state.Running() {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, s.id, state)
	}
	if err := proc.WriteLine(line); err != nil {
		if errors.Is(err, process.ErrNotRunning) {
			return fmt.Errorf("%w: %s", ErrNotRunning, s.id)
		}
		return err
	}
	return nil
}

func (s *ManagedServer) Status() model.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Runtime returns a snapshot of the supervised process.
func (s *ManagedServer) Runtime() Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt := Runtime{
		ServerID: s.id,
		Status:   s.state,
		TPS:      s.tps,
		Restarts: s.restarts,
		LastExit: s.lastExit,
		Reason:   s.reason,
		Players:  s.playersLocked(),
	}
	if s.proc != nil && s.state.Running() {
		rt.PID = s.proc.PID()
		rt.StartedAt = s.proc.StartedAt()
		rt.Uptime = int64(time.Since(rt.StartedAt).Seconds())
	}
	return rt
}

// Players returns the online player names, sorted.
func (s *ManagedServer) Players() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playersLocked()
}

func (s *ManagedServer) playersLocked() []string {
	out := make([]string, 0, len(s.players))
	for p := range s.players {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// WaitForStatus blocks until the state is one of want or ctx is done.
func (s *ManagedServer) WaitForStatus(ctx context.Context, want ...model.Status) (model.Status, error) {
	for {
		s.mu.RLock()
		cur, changed := s.state, s.changed
		s.mu.RUnlock()
		for _, w := range want {
			if cur == w {
				return cur, nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// MarkRestarted counts an automatic restart.
func (s *ManagedServer) MarkRestarted() {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	metrics.IncRestart(s.id)
}

func (s *ManagedServer) run() {
	defer close(s.doneChan)
	for {
		var statsC <-chan time.Time
		if s.statsTick != nil {
			statsC = s.statsTick.C
		}
		select {
		case cmd := <-s.cmdChan:
			if s.handleCommand(cmd) {
				return
			}
		case n := <-s.notifyChan:
			s.handleNotification(n)
		case <-statsC:
			s.sampleStats()
		}
	}
}

// handleCommand reports whether the loop should exit.
func (s *ManagedServer) handleCommand(cmd command) bool {
	var err error
	switch cmd.action {
	case actionStart:
		err = s.handleStart(cmd.plan)
	case actionStop:
		err = s.handleStop()
	case actionShutdown:
		err = s.handleStop()
		cmd.reply <- err
		return true
	}
	cmd.reply <- err
	return false
}

func (s *ManagedServer) handleStart(plan LaunchPlan) error {
	s.mu.RLock()
	cur := s.state
	s.mu.RUnlock()
	if cur.Running() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, s.id, cur)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.players = make(map[string]struct{})
	s.tps = 0
	s.reason = ""
	s.mu.Unlock()

	readySent := false
	var readyMu sync.Mutex
	onLine := func(stream process.Stream, line string) {
		s.publish(event.TopicLog, event.LogPayload{ServerID: s.id, Line: line, Stream: string(stream)})
		if plan.Ready != nil && plan.Ready.MatchString(line) {
			readyMu.Lock()
			first := !readySent
			readySent = true
			readyMu.Unlock()
			if first {
				s.notify(notification{kind: notifyReady, gen: gen})
			}
		}
		s.scanLine(line)
	}

	begin := time.Now()
	proc, err := process.Start(plan.Spec, onLine)
	if err != nil {
		s.logger.Warn("spawn failed", "error", err)
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.plan = plan
	s.spawnedAt = begin
	s.mu.Unlock()
	s.setState(model.StatusStarting, nil, "")
	metrics.IncStart(s.id)
	s.persist(history.EventStart, nil, "")
	s.logger.Info("server process spawned", "pid", proc.PID(), "command", plan.Spec.CommandLine())

	go func() {
		<-proc.Done()
		s.notify(notification{kind: notifyExited, gen: gen})
	}()
	if plan.ReadyTimeout > 0 {
		time.AfterFunc(plan.ReadyTimeout, func() {
			s.notify(notification{kind: notifyReadyTimeout, gen: gen})
		})
	}
	if plan.Ready == nil && plan.ProbeAddr != "" {
		go s.probe(proc, plan.ProbeAddr, gen)
	}
	return nil
}

// probe dials addr until it accepts a connection or the process exits.
func (s *ManagedServer) probe(proc *process.Process, addr string, gen uint64) {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-proc.Done():
			return
		case <-s.doneChan:
			return
		case <-t.C:
		}
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			s.notify(notification{kind: notifyReady, gen: gen})
			return
		}
	}
}

func (s *ManagedServer) handleStop() error {
	s.mu.RLock()
	cur, proc, plan := s.state, s.proc, s.plan
	s.mu.RUnlock()
	switch cur {
	case model.StatusOffline, model.StatusCrashed:
		return nil
	case model.StatusStopping:
		return fmt.Errorf("server %s is already stopping", s.id)
	}

	s.setState(model.StatusStopping, nil, "")
	forced := proc.Stop(plan.StopCommand, plan.ShutdownTimeout)
	mode := "graceful"
	if forced {
		mode = "forced"
		s.logger.Warn("server did not stop in time; killed process group", "timeout", plan.ShutdownTimeout)
	}
	metrics.IncStop(s.id, mode)

	var code *int
	if proc.Exited() {
		c := proc.ExitCode()
		code = &c
	}
	s.mu.Lock()
	s.gen++ // the exit notification for this process is now stale
	s.lastExit = code
	s.mu.Unlock()
	s.setState(model.StatusOffline, code, "")
	s.persist(history.EventStop, code, mode)
	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
	return nil
}

func (s *ManagedServer) handleNotification(n notification) {
	s.mu.RLock()
	cur, proc, plan, gen := s.state, s.proc, s.plan, s.gen
	s.mu.RUnlock()
	if n.gen != gen || proc == nil {
		return
	}
	switch n.kind {
	case notifyReady:
		if cur == model.StatusStarting {
			s.mu.RLock()
			began := s.spawnedAt
			s.mu.RUnlock()
			metrics.ObserveStartDuration(s.id, time.Since(began).Seconds())
			s.setState(model.StatusOnline, nil, "")
			s.persist(history.EventOnline, nil, "")
		}
	case notifyReadyTimeout:
		if cur == model.StatusStarting {
			s.logger.Warn("no liveness signal before ready timeout; killing", "timeout", plan.ReadyTimeout)
			s.mu.Lock()
			s.reason = "ready timeout"
			s.mu.Unlock()
			_ = proc.Kill()
		}
	case notifyExited:
		s.handleExit(cur, proc, plan)
	}
}

func (s *ManagedServer) handleExit(cur model.Status, proc *process.Process, plan LaunchPlan) {
	code := proc.ExitCode()
	next := model.StatusCrashed
	reason := "exited before ready"
	if cur == model.StatusOnline {
		reason = "exit code " + strconv.Itoa(code)
		if plan.cleanExit(code) {
			next = model.StatusOffline
			reason = ""
		}
	}
	s.mu.Lock()
	if s.reason != "" {
		reason = s.reason
	}
	s.gen++
	s.lastExit = &code
	s.reason = reason
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.proc = nil
		s.mu.Unlock()
	}()

	if next == model.StatusCrashed {
		s.logger.Error("server crashed", "exit_code", code, "reason", reason, "error", proc.ExitErr())
		metrics.IncCrash(s.id)
		s.setState(next, &code, reason)
		s.persist(history.EventCrash, &code, reason)
		return
	}
	s.logger.Info("server exited cleanly", "exit_code", code)
	s.setState(next, &code, "")
	s.persist(history.EventExit, &code, "")
}

func (s *ManagedServer) setState(next model.Status, exitCode *int, reason string) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	interval := s.plan.StatsInterval
	if s.statsTick != nil && next != model.StatusOnline {
		s.statsTick.Stop()
		s.statsTick = nil
	}
	if next == model.StatusOnline && s.sampler != nil && interval > 0 {
		s.statsTick = time.NewTicker(interval)
	}
	if !next.Running() {
		s.players = make(map[string]struct{})
	}
	s.mu.Unlock()

	metrics.RecordStateTransition(s.id, string(prev), string(next))
	metrics.SetCurrentState(s.id, string(prev), false)
	metrics.SetCurrentState(s.id, string(next), true)

	s.publish(event.TopicStatus, event.StatusPayload{
		ServerID: s.id,
		Status:   string(next),
		Previous: string(prev),
		ExitCode: exitCode,
		Reason:   reason,
	})
	if s.onStatus != nil {
		s.onStatus(s.id, prev, next, exitCode)
	}
}

// scanLine tracks players and TPS from console output.
func (s *ManagedServer) scanLine(line string) {
	if m := joinPattern.FindStringSubmatch(line); m != nil {
		s.mu.Lock()
		s.players[m[1]] = struct{}{}
		s.mu.Unlock()
		s.publish(event.TopicPlayerJoin, event.PlayerPayload{ServerID: s.id, Name: m[1]})
		return
	}
	if m := leavePattern.FindStringSubmatch(line); m != nil {
		s.mu.Lock()
		delete(s.players, m[1])
		s.mu.Unlock()
		s.publish(event.TopicPlayerLeave, event.PlayerPayload{ServerID: s.id, Name: m[1]})
		return
	}
	if m := tpsPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			s.mu.Lock()
			s.tps = v
			s.mu.Unlock()
		}
	}
}

func (s *ManagedServer) sampleStats() {
	s.mu.RLock()
	proc, cur, plan, tps := s.proc, s.state, s.plan, s.tps
	s.mu.RUnlock()
	if proc == nil || cur != model.StatusOnline || s.sampler == nil {
		return
	}
	if plan.TPSQuery != "" {
		_ = proc.WriteLine(plan.TPSQuery)
	}
	smp, err := s.sampler.Sample(s.id, int32(proc.PID()))
	if err != nil {
		s.logger.Debug("stats sample failed", "error", err)
		return
	}
	s.publish(event.TopicStats, event.StatsPayload{
		ServerID: s.id,
		CPU:      smp.CPUPercent,
		Memory:   smp.MemoryRSS,
		PID:      proc.PID(),
		TPS:      tps,
		Uptime:   int64(time.Since(proc.StartedAt()).Seconds()),
	})
}

func (s *ManagedServer) notify(n notification) {
	select {
	case s.notifyChan <- n:
	case <-s.doneChan:
	}
}

func (s *ManagedServer) publish(topic event.Topic, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{Topic: topic, ServerID: s.id, Time: time.Now().UTC(), Payload: payload})
}

// persist exports a lifecycle event to the history sink.
func (s *ManagedServer) persist(t history.EventType, exitCode *int, detail string) {
	if s.history == nil {
		return
	}
	s.mu.RLock()
	rec := history.Record{ServerID: s.id, Status: string(s.state), ExitCode: exitCode, Detail: detail}
	if s.proc != nil {
		rec.PID = s.proc.PID()
	}
	s.mu.RUnlock()
	evt := history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
	if err := s.history.Send(context.Background(), evt); err != nil {
		s.logger.Warn("history export failed", "event", t, "error", err)
	}
}
