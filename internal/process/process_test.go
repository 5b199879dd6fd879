package process

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/gamevisor/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(stream Stream, line string) {
	s.mu.Lock()
	s.lines = append(s.lines, string(stream)+":"+line)
	s.mu.Unlock()
}

func (s *lineSink) has(want string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if l == want {
			return true
		}
	}
	return false
}

// consoleScript behaves like a game server console: it prints a ready line,
// echoes input, and exits cleanly on "stop".
const consoleScript = `echo 'Done (0.1s)!'; while read line; do if [ "$line" = stop ]; then echo bye; exit 0; fi; echo "got $line"; echo "err $line" >&2; done`

func TestStartCapturesOutputAndStdin(t *testing.T) {
	requireUnixSpec(t)
	sink := &lineSink{}
	p, err := Start(Spec{Name: "s1", Argv: []string{"/bin/sh", "-c", consoleScript}, WorkDir: t.TempDir()}, sink.add)
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)
	assert.True(t, processExists(p.PID()))

	require.Eventually(t, func() bool { return sink.has("stdout:Done (0.1s)!") }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, p.WriteLine("list"))
	require.Eventually(t, func() bool { return sink.has("stdout:got list") && sink.has("stderr:err list") }, 3*time.Second, 10*time.Millisecond)

	forced := p.Stop("stop", 3*time.Second)
	assert.False(t, forced)
	assert.Equal(t, 0, p.ExitCode())
	assert.NoError(t, p.ExitErr())
	assert.True(t, sink.has("stdout:bye"))
	assert.ErrorIs(t, p.WriteLine("list"), ErrNotRunning)
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnixSpec(t)
	// ignores both stdin and SIGTERM
	p, err := Start(Spec{Name: "stubborn", Argv: []string{"/bin/sh", "-c", `trap '' TERM; while true; do sleep 0.05; done`}}, nil)
	require.NoError(t, err)
	start := time.Now()
	forced := p.Stop("stop", 200*time.Millisecond)
	assert.True(t, forced)
	assert.True(t, p.Exited())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, -1, p.ExitCode())
}

func TestNonZeroExit(t *testing.T) {
	requireUnixSpec(t)
	p, err := Start(Spec{Name: "crash", Command: "sh -c 'echo boom; exit 3'"}, nil)
	require.NoError(t, err)
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 3, p.ExitCode())
	assert.Error(t, p.ExitErr())
}

func TestSpawnErrors(t *testing.T) {
	_, err := Start(Spec{Name: "missing", Argv: []string{"/definitely/not/a/binary"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawn))
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "missing", se.Name)

	_, err = Start(Spec{Name: "baddir", Command: "true", WorkDir: filepath.Join(t.TempDir(), "nope")}, nil)
	assert.ErrorIs(t, err, ErrSpawn)

	_, err = Start(Spec{Name: "empty"}, nil)
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestConsoleLogMirrored(t *testing.T) {
	requireUnixSpec(t)
	dir := t.TempDir()
	p, err := Start(Spec{
		Name:    "logged",
		Command: "sh -c 'echo hello; echo oops >&2'",
		Log:     logger.Config{File: logger.FileConfig{Dir: dir}},
	}, nil)
	require.NoError(t, err)
	<-p.Done()
	b, err := os.ReadFile(filepath.Join(dir, "logged.console.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "hello"))
	b, err = os.ReadFile(filepath.Join(dir, "logged.error.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "oops"))
}

func TestGrandchildHoldingPipeDoesNotBlockExit(t *testing.T) {
	requireUnixSpec(t)
	p, err := Start(Spec{Name: "bg", Command: "sh -c 'sleep 30 & echo started'"}, nil)
	require.NoError(t, err)
	select {
	case <-p.Done():
	case <-time.After(pumpDrainTimeout + 3*time.Second):
		t.Fatal("exit not surfaced while grandchild holds stdout")
	}
	_ = p.Kill()
}
