package process

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/gamevisor/internal/logger"
)

// Spec describes one game-server process.
type Spec struct {
	Name    string        // server id, used for log file names and errors
	Argv    []string      // explicit argv; takes precedence over Command
	Command string        // command line, shell-parsed when it needs a shell
	WorkDir string        // working directory (the server data dir)
	Env     []string      // full environment, KEY=VALUE
	Log     logger.Config // console log rotation
}

// Validate checks the spec can produce a command.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process requires name")
	}
	if len(s.Argv) == 0 && strings.TrimSpace(s.Command) == "" {
		return errors.New("process requires command")
	}
	if len(s.Argv) > 0 && strings.TrimSpace(s.Argv[0]) == "" {
		return errors.New("process argv[0] is empty")
	}
	return nil
}

// CommandLine renders the spec's command for logs and errors.
func (s Spec) CommandLine() string {
	if len(s.Argv) > 0 {
		return strings.Join(s.Argv, " ")
	}
	return strings.TrimSpace(s.Command)
}

// BuildCommand constructs an *exec.Cmd for the spec.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'java -jar server.jar'"), avoiding double-wrapping.
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Argv) > 0 {
		// #nosec G204
		return exec.Command(s.Argv[0], s.Argv[1:]...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// Always use absolute shell path to avoid PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// The substring after "-c " is kept verbatim apart from one pair of wrapping quotes.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c ", "bash -c ", "/bin/bash -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
