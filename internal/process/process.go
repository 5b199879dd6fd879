package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrSpawn is matched by every *SpawnError.
var ErrSpawn = errors.New("process spawn failed")

// ErrNotRunning is returned when writing to a process that has exited.
var ErrNotRunning = errors.New("process is not running")

// SpawnError reports a process that could not be started at all.
type SpawnError struct {
	Name    string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Name, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// Stream identifies which output a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineFunc receives every complete output line of a process. It is called
// from the output pump goroutines, one per stream.
type LineFunc func(stream Stream, line string)

// pumpDrainTimeout bounds how long output is drained after the leader exits;
// a grandchild holding the pipe open must not keep the exit from surfacing.
const pumpDrainTimeout = 2 * time.Second

// maxLineBytes caps a single output line.
const maxLineBytes = 1 << 20

// Process is one running child. It is created by Start and is finished when
// Done is closed.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	readers []*os.File
	closers []io.Closer
	pumps   sync.WaitGroup

	done     chan struct{}
	exitCode int
	exitErr  error
}

// Start spawns the process described by spec. Output lines are handed to
// onLine and mirrored into the spec's rotating console logs. A failure to
// spawn returns *SpawnError and leaves nothing running.
func Start(spec Spec, onLine LineFunc) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, &SpawnError{Name: spec.Name, Command: spec.CommandLine(), Err: err}
	}
	spawnErr := func(err error) error {
		return &SpawnError{Name: spec.Name, Command: spec.CommandLine(), Err: err}
	}
	if spec.WorkDir != "" {
		if fi, err := os.Stat(spec.WorkDir); err != nil || !fi.IsDir() {
			if err == nil {
				err = fmt.Errorf("%s is not a directory", spec.WorkDir)
			}
			return nil, spawnErr(err)
		}
	}

	cmd := spec.BuildCommand()
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, spawnErr(err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, spawnErr(err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, spawnErr(err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, spawnErr(err)
	}
	// the child holds its own copies of the write ends
	_ = outW.Close()
	_ = errW.Close()

	p := &Process{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		stdin:     stdin,
		readers:   []*os.File{outR, errR},
		done:      make(chan struct{}),
	}
	consoleW, errorW, _ := spec.Log.ProcessWriters(spec.Name)
	if consoleW != nil {
		p.closers = append(p.closers, consoleW)
	}
	if errorW != nil {
		p.closers = append(p.closers, errorW)
	}

	p.pumps.Add(2)
	go p.pump(outR, Stdout, consoleW, onLine)
	go p.pump(errR, Stderr, errorW, onLine)
	go p.wait()
	return p, nil
}

func (p *Process) pump(r io.Reader, stream Stream, mirror io.Writer, onLine LineFunc) {
	defer p.pumps.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if mirror != nil {
			_, _ = io.WriteString(mirror, line+"\n")
		}
		if onLine != nil {
			onLine(stream, line)
		}
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		p.pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(pumpDrainTimeout):
		for _, r := range p.readers {
			_ = r.Close()
		}
		<-drained
	}
	for _, r := range p.readers {
		_ = r.Close()
	}
	for _, c := range p.closers {
		_ = c.Close()
	}

	p.stdinMu.Lock()
	_ = p.stdin.Close()
	p.stdin = nil
	p.stdinMu.Unlock()

	p.exitCode = -1
	if ps := p.cmd.ProcessState; ps != nil {
		p.exitCode = ps.ExitCode()
	}
	p.exitErr = err
	close(p.done)
}

func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }
func (p *Process) Spec() Spec           { return p.spec }

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is valid after Done; -1 means the process was ended by a signal.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// ExitErr is valid after Done; nil for a zero exit status.
func (p *Process) ExitErr() error {
	<-p.done
	return p.exitErr
}

// Exited reports whether the process has finished.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// WriteLine sends one line to the process's standard input.
func (p *Process) WriteLine(line string) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil || p.Exited() {
		return ErrNotRunning
	}
	line = strings.TrimRight(line, "\r\n")
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Terminate sends SIGTERM to the process group.
func (p *Process) Terminate() error { return terminateGroup(p.pid) }

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error { return killGroup(p.pid) }

// Stop asks the process to exit by writing stopCommand to its stdin (or
// SIGTERM when stopCommand is empty or stdin is gone) and waits up to
// timeout. If it is still running the whole group is killed. forced reports
// whether the kill was needed.
func (p *Process) Stop(stopCommand string, timeout time.Duration) (forced bool) {
	if p.Exited() {
		return false
	}
	asked := false
	if strings.TrimSpace(stopCommand) != "" {
		asked = p.WriteLine(stopCommand) == nil
	}
	if !asked {
		_ = p.Terminate()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return false
	case <-t.C:
	}
	_ = p.Kill()
	select {
	case <-p.done:
	case <-time.After(pumpDrainTimeout + time.Second):
	}
	return true
}
